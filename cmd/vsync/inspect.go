package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"vsync/internal/app"
	"vsync/internal/config"
	logx "vsync/pkg/logx"
)

func newValidateCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath()
			cfg, err := config.NewManager(path).Parse()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return fmt.Errorf("invalid config %s:\n%w", path, err)
			}
			enabled := 0
			for _, c := range cfg.Clients {
				if c.IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d clients, %d enabled)\n", path, len(cfg.Clients), enabled)
			return nil
		},
	}
}

func newJournalCmd(cfgPath func() string) *cobra.Command {
	var (
		client string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the most recent invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(cfgPath()).Parse()
			if err != nil {
				return err
			}
			st, err := app.OpenJournal(cfg, logx.NewConsole("WARN"))
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			entries, err := st.Recent(ctx, strings.TrimSpace(client), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tCLIENT\tDT\tSKIPPED\tTOOK\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\n",
					e.At.Format(time.RFC3339Nano), e.Client, e.DT, e.Skipped, e.TookMS, e.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "only this client")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}
