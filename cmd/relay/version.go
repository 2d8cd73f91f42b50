package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "topic-relay version %s\n", version)
			fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
