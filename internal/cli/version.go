package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// These will be set by build scripts
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show WHITE_CAT version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "whitecat %s\n", version)
			fmt.Fprintf(out, "Git Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
