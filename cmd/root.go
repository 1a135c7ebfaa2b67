package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/msrpd/cmd/gen"
	"github.com/luma/msrpd/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:   "msrpd",
	Short: "MSRP (RFC 4975) endpoint",
	Long: `msrpd relays messages over the Message Session Relay Protocol.

It accepts MSRP connections, keeps sessions and their messages, and
exposes an HTTP admin API to inspect them.`,
	SilenceUsage: true,
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()

		fmt.Printf("msrpd %s (%s, %s) built %s with %s on %s\n",
			info.Version, info.Build, info.Branch, info.BuildTime, info.GoVersion, info.Platform)
	},
}

func init() {
	RootCmd.Version = meta.Version

	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(SendCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
