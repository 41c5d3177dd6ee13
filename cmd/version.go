package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pacdist/pacdist/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current()
			if short {
				cmd.Println(info.Number)
				return
			}
			cmd.Printf("pacdist %s\n", info.Number)
			cmd.Printf("Commit: %s\n", info.Commit)
			cmd.Printf("Built: %s\n", info.Date)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "show only the version number")
	return cmd
}
