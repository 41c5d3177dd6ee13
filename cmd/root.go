// Package cmd implements the pacdist CLI. Commands delegate to the
// repository and bundle packages; all state is constructed per invocation
// from the loaded configuration.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/pacdist/pacdist/internal/config"
	"github.com/pacdist/pacdist/internal/repository"
	"github.com/pacdist/pacdist/internal/run"
	"github.com/pacdist/pacdist/pkg/version"
)

var (
	cfgFile string
	verbose bool
)

// Execute stores build info and runs the CLI.
func Execute(v, commit, date string) error {
	version.Init(v, commit, date)
	return NewRootCmd().Execute()
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pacdist",
		Short: "pacdist - pacman repository distribution to a container registry",
		Long: `pacdist manages a pacman package repository whose packages are stored
as content-addressed blobs on an OCI container registry, with the repository
database itself published as a release asset.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newRemoveCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newBundleCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func setupLogging() {
	level := log.InfoLevel
	if env := os.Getenv("PACDIST_LOG_LEVEL"); env != "" {
		if parsed, err := log.ParseLevel(env); err == nil {
			level = parsed
		} else {
			log.Warn("Ignoring invalid PACDIST_LOG_LEVEL", "value", env)
		}
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}

// loadConfig resolves the config path from the flag or the default search
// locations.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}

// loadRegistry loads the config and every configured repository database.
func loadRegistry(ctx context.Context) (*config.Config, *repository.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	reg := repository.NewRegistry(cfg.Registry.URL, cfg.Registry.Token)
	runner := &run.ExecRunner{}
	for name, rc := range cfg.Repositories {
		if err := reg.AddRepository(ctx, name, rc.Remote, rc.Database, rc.ReleaseName, runner); err != nil {
			return nil, nil, fmt.Errorf("failed to load repository %q: %w", name, err)
		}
	}
	return cfg, reg, nil
}

// resolveRepository picks the named repository, falling back to the sole
// configured one when the name is empty.
func resolveRepository(reg *repository.Registry, name string) (*repository.Repository, error) {
	if name == "" {
		def, ok := reg.DefaultRepository()
		if !ok {
			return nil, fmt.Errorf("more than one repository configured, specify one with --repo")
		}
		name = def
	}

	repo, ok := reg.Repository(name)
	if !ok {
		return nil, fmt.Errorf("repository %q does not exist", name)
	}
	return repo, nil
}
