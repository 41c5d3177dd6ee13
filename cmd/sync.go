package cmd

import (
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		repoName string
		noUpload bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the repository database and upload pending packages",
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
			return repo.Sync(ctx, !noUpload)
		},
	}

	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "repository to sync")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "rebuild the database without uploading")

	return cmd
}
