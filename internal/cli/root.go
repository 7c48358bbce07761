// Package cli provides the command-line interface for Quill.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/quillware/quill/internal/cli/commands"
	"github.com/quillware/quill/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill - MCP client runtime",
	Long: `Quill mediates between a human frontend, MCP tool servers, and an
LLM backend, driving a bounded reason/act loop: the model answers
directly or calls tools hosted by an external server process.`,
	Version:      version.Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(commands.NewChatCommand())
	rootCmd.AddCommand(commands.NewToolsCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
