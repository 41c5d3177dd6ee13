package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pacdist/pacdist/internal/bundle"
	"github.com/pacdist/pacdist/internal/repository"
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Manage sandbox VM bundle snapshots",
	}
	cmd.AddCommand(newBundleUploadCmd())
	return cmd
}

func newBundleUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [PATH]",
		Short: "Upload a VM bundle snapshot to the registry",
		Long: `Compress and upload the sandbox VM bundle as a series of
content-addressed blobs. PATH overrides the configured sandbox location.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var dir string
			if len(args) == 1 {
				dir = args[0]
			} else {
				if cfg.Sandbox.Path == "" {
					return fmt.Errorf("sandbox path not configured, set sandbox.path in your config file")
				}
				dir = filepath.Join(cfg.Sandbox.Path, "vm.bundle")
			}

			if cfg.Sandbox.Remote == "" {
				return fmt.Errorf("sandbox remote not configured, set sandbox.remote in your config file")
			}

			chunkSize, err := cfg.Sandbox.ChunkSizeBytes()
			if err != nil {
				return err
			}

			reg := repository.NewRegistry(cfg.Registry.URL, cfg.Registry.Token)
			client, err := reg.Client(ctx, cfg.Sandbox.Remote)
			if err != nil {
				return err
			}

			p := bundle.NewPipeline(client, cfg.Sandbox.Remote, bundle.WithChunkSize(int(chunkSize)))
			return p.Run(ctx, dir)
		},
	}
}
