// Command cairn inspects cairn store files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cairn:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cairn",
		Short: "Inspect cairn store files",
		Long: `Offline tooling for cairn stores.

Stores are opened read-only; running against a file another process is
actively writing shows its latest committed snapshot.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newInfoCommand())
	cmd.AddCommand(newVerifyCommand())
	return cmd
}
