package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func newAddCmd() *cobra.Command {
	var (
		repoName       string
		keep           bool
		allowDowngrade bool
		noUpload       bool
	)

	cmd := &cobra.Command{
		Use:   "add FILES...",
		Short: "Add package files to the repository and sync",
		Long: `Add one or more package archives to the repository database, rebuild
it, and upload the new packages to the registry. Uploaded files and their
signatures are deleted afterwards unless --keep is given.`,
		Args: cobra.MinimumNArgs(1),
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

			var added []string
			for _, file := range args {
				// signatures ride along with their package
				if strings.HasSuffix(file, ".sig") {
					continue
				}

				ok, err := repo.AddPackage(ctx, file, allowDowngrade)
				if err != nil {
					return err
				}
				if ok {
					added = append(added, file)
				}
			}

			if err := repo.Sync(ctx, !noUpload); err != nil {
				return err
			}

			if !keep && !noUpload {
				for _, file := range added {
					removeQuietly(file)
					removeQuietly(file + ".sig")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "repository to add to")
	cmd.Flags().BoolVarP(&keep, "keep", "k", false, "keep package files after uploading")
	cmd.Flags().BoolVar(&allowDowngrade, "allow-downgrade", false, "allow adding an older version than the current one")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "rebuild the database without uploading")

	return cmd
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Could not delete file", "path", path, "error", err)
	}
}
