// Package cli is the command-line front end: one-shot and daemon runs,
// DLQ inspection and replay, and a local status view. Commands that only
// read persisted files never touch credentials, so status and dlq list
// work on a cold machine.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command. Fatal configuration or credential
// problems surface as a non-zero exit.
func Execute(version string) {
	root := newRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "collabiq",
		Short: "Collaboration-email pipeline: extract, classify and record in the workspace",
		Long: `collabiq watches a shared inbox for business collaboration emails,
extracts structured fields through multiple LLM providers, classifies the
collaboration and records the result in the team workspace. Designed to run
unattended; failed operations land in a file-backed DLQ for replay.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newDLQCmd(),
		newStatusCmd(),
		newVersionCmd(version),
	)
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "collabiq", version)
		},
	}
}
