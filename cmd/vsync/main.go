package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vsync/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		envFile string
	)
	root := &cobra.Command{
		Use:   "vsync",
		Short: "Run periodic callbacks at fixed rates",
		Long:  "vsync drives configured clients at their own frequencies from one scheduler loop.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; a broken one is not.
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			if strings.TrimSpace(cfgPath) == "" {
				cfgPath = resolveConfigPath()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config is read")

	path := func() string { return cfgPath }
	root.AddCommand(
		newRunCmd(path),
		newValidateCmd(path),
		newJournalCmd(path),
		newVersionCmd(),
	)
	return root
}

func resolveConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(config.EnvPath)); p != "" {
		return p
	}
	return config.DefaultPath
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "vsync", version)
		},
	}
}
