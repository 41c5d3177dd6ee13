package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var (
		repoName    string
		registryPkg string
	)

	cmd := &cobra.Command{
		Use:   "list [REPO]",
		Short: "List the packages in the repository database",
		Long: `List the packages tracked by the local repository database. With
--registry, list the versions of one package already published on the
registry instead, recovered from its tags.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				repoName = args[0]
			}

			_, reg, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			repo, err := resolveRepository(reg, repoName)
			if err != nil {
				return err
			}

			bold := color.New(color.Bold)
			green := color.New(color.FgGreen)

			if registryPkg != "" {
				versions, err := repo.PublishedVersions(ctx, registryPkg)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d published version(s)\n", bold.Sprint(registryPkg), len(versions))
				for _, v := range versions {
					fmt.Printf("  %s\n", green.Sprint(v.String()))
				}
				return nil
			}

			packages := repo.Database().Packages()
			fmt.Printf("%s (%d packages)\n", bold.Sprint(repo.Name()), len(packages))
			for _, pkg := range packages {
				fmt.Printf("  %s %s (%s)\n", bold.Sprint(pkg.Name), green.Sprint(pkg.Version.String()), pkg.Arch)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&registryPkg, "registry", "", "list the registry's published versions of this package")
	return cmd
}
