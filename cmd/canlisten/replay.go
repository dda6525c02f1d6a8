package main

import (
	"github.com/spf13/cobra"

	"github.com/notnil/canlisten/internal/capture"
)

var (
	replayOpts struct {
		pace bool
		full bool
	}

	replayCmd = &cobra.Command{
		Use:   "replay FILE",
		Short: "Print frames from a capture recorded with listen --record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hdr, err := capture.ReadHeader(args[0])
			if err != nil {
				return err
			}
			drv := capture.Replay{Path: args[0], Pace: replayOpts.pace}
			return receive(cmd, drv, hdr.Config(), 0, "", replayOpts.full)
		},
	}
)

func init() {
	replayCmd.Flags().BoolVar(&replayOpts.pace, "pace", false, "keep the recorded spacing between frames")
	replayCmd.Flags().BoolVar(&replayOpts.full, "full", false, "print timestamp, identifier and flags, not only the payload")
}
