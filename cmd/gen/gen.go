package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for msrpd",
	Long:  `Generate documentation for msrpd`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
