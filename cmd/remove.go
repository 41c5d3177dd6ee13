package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pacdist/pacdist/internal/pacman"
)

func newRemoveCmd() *cobra.Command {
	var (
		repoName string
		noUpload bool
	)

	cmd := &cobra.Command{
		Use:   "remove NAMES...",
		Short: "Remove packages from the repository database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, reg, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			repo, err := resolveRepository(reg, repoName)
			if err != nil {
				return err
			}

			for _, name := range args {
				repo.Database().Remove(pacman.Record{Name: name})
			}
			return repo.Sync(ctx, !noUpload)
		},
	}

	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "repository to remove from")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "rebuild the database without uploading")

	return cmd
}
