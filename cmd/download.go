package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDownloadCmd() *cobra.Command {
	var (
		repoName     string
		osName       string
		arch         string
		listVersions bool
	)

	cmd := &cobra.Command{
		Use:   "download PACKAGE [VERSION]",
		Short: "Download a package from the registry",
		Long: `Download PACKAGE from the registry into the current directory. With no
VERSION the latest published version is selected; otherwise an exact match
is tried first, then a prefix match with the newest matching version
winning.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pkg := args[0]
			versionSpec := ""
			if len(args) == 2 {
				versionSpec = args[1]
			}

			_, reg, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			repo, err := resolveRepository(reg, repoName)
			if err != nil {
				return err
			}

			if listVersions {
				versions, err := repo.PublishedVersions(ctx, pkg)
				if err != nil {
					return err
				}
				bold := color.New(color.Bold)
				green := color.New(color.FgGreen)
				fmt.Printf("%s: %d published version(s)\n", bold.Sprint(pkg), len(versions))
				for i := len(versions) - 1; i >= 0; i-- {
					fmt.Printf("  %s\n", green.Sprint(versions[i].String()))
				}
				return nil
			}

			path, err := repo.Download(ctx, pkg, versionSpec, osName, arch, ".")
			if err != nil {
				return err
			}
			cmd.Printf("Downloaded %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "repository to download from")
	cmd.Flags().StringVar(&osName, "os", "", "select the release for this operating system")
	cmd.Flags().StringVar(&arch, "arch", "", "select the release for this architecture")
	cmd.Flags().BoolVarP(&listVersions, "list", "l", false, "list published versions instead of downloading")
	return cmd
}
