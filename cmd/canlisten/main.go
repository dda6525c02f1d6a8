package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "canlisten",
		Short: "Receive frames from a CAN interface",
		Long: `canlisten opens a CAN interface, prints every received frame until it is
interrupted or the bus fails, and always releases the interface on exit.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the canlisten version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log lifecycle events and every frame to stderr")
	rootCmd.AddCommand(listenCmd, replayCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
