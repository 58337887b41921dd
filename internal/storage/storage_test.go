package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "vsync/pkg/logx"
)

func entry(client string, i int) InvocationEntry {
	return InvocationEntry{
		Session: "s1",
		Client:  client,
		At:      time.Unix(1_700_000_000, int64(i)*int64(time.Millisecond)),
		DT:      16 * time.Millisecond,
		Elapsed: time.Duration(i) * time.Second,
		Skipped: int64(i % 2),
		TookMS:  int64(i),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without a path should fail")
	}
}

func TestStoresRecent(t *testing.T) {
	t.Parallel()
	drivers := []struct {
		name string
		cfg  func(dir string) Config
	}{
		{"file", func(dir string) Config { return Config{Driver: "file", Path: filepath.Join(dir, "journal.jsonl")} }},
		{"sqlite", func(dir string) Config {
			return Config{Driver: "sqlite", Path: filepath.Join(dir, "db", "vsync.db"), BusyTimeout: time.Second}
		}},
	}
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			st, err := Open(d.cfg(t.TempDir()), logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			ctx := context.Background()
			for i := 0; i < 5; i++ {
				if err := st.AppendInvocation(ctx, entry("a", i)); err != nil {
					t.Fatalf("append a: %v", err)
				}
				if err := st.AppendInvocation(ctx, entry("b", i)); err != nil {
					t.Fatalf("append b: %v", err)
				}
			}
			failed := entry("a", 9)
			failed.Error = "vsync: client a: boom"
			if err := st.AppendInvocation(ctx, failed); err != nil {
				t.Fatalf("append failed entry: %v", err)
			}

			got, err := st.Recent(ctx, "a", 3)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("Recent returned %d entries, want 3", len(got))
			}
			if got[0].Error != failed.Error || !got[0].At.Equal(failed.At) {
				t.Fatalf("newest = %+v, want the failed entry", got[0])
			}
			want := entry("a", 4)
			e := got[1]
			if e.Client != "a" || e.Session != "s1" || !e.At.Equal(want.At) || e.DT != want.DT ||
				e.Elapsed != want.Elapsed || e.Skipped != want.Skipped || e.TookMS != want.TookMS || e.Error != "" {
				t.Fatalf("second newest = %+v, want %+v", e, want)
			}
			if got[2].TookMS != 3 {
				t.Fatalf("third newest TookMS = %d, want 3", got[2].TookMS)
			}

			all, err := st.Recent(ctx, "", 100)
			if err != nil || len(all) != 11 {
				t.Fatalf("Recent(all) = %d entries, %v; want 11", len(all), err)
			}
			if none, err := st.Recent(ctx, "missing", 5); err != nil || len(none) != 0 {
				t.Fatalf("Recent(missing) = %v, %v", none, err)
			}
		})
	}
}

func TestFileStoreRotates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	st, err := Open(Config{Driver: "file", Path: path, MaxBytes: 400}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := st.AppendInvocation(ctx, entry("rot", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() > 400 {
		t.Fatalf("current journal = %v, %v; want <= 400 bytes", fi, err)
	}

	got, err := st.Recent(ctx, "rot", 2)
	if err != nil || len(got) != 2 || got[0].TookMS != 19 || got[1].TookMS != 18 {
		t.Fatalf("Recent after rotation = %+v, %v", got, err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendInvocation(ctx, entry("rot", 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close = %v, want ErrClosed", err)
	}
	if _, err := st.Recent(ctx, "", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recent after close = %v, want ErrClosed", err)
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := st.AppendInvocation(context.Background(), entry("ok", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := st.Recent(context.Background(), "", 10)
	if err != nil || len(got) != 1 || got[0].Client != "ok" {
		t.Fatalf("Recent = %+v, %v", got, err)
	}
}

func TestSQLitePrunesToMaxRows(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "vsync.db"), MaxRows: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	st.(*sqliteStore).pruneEvery = 5

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := st.AppendInvocation(ctx, entry(fmt.Sprintf("c%d", i%2), i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	all, err := st.Recent(ctx, "", 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("rows after prune = %d, want 3", len(all))
	}
	if all[0].TookMS != 9 || all[2].TookMS != 7 {
		t.Fatalf("kept rows = %+v, want the newest three", all)
	}
}
