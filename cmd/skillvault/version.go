package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set by the release build through -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newVersionCmd(jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version": version,
				"commit":  commit,
				"date":    date,
			}
			if *jsonOutput {
				return print(true, info, "")
			}
			fmt.Printf("skillvault %s\ncommit: %s\nbuilt at: %s\n", version, commit, date)
			return nil
		},
	}
}
