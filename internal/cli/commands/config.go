package commands

import (
	"github.com/spf13/cobra"

	"github.com/quillware/quill/internal/config"
)

// NewConfigCommand creates the config subcommand.
func NewConfigCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration inspection",
	}

	show := &cobra.Command{
		Use:     "show",
		Short:   "Print the effective configuration",
		Example: `  quill config show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			rendered, err := cfg.YAML()
			if err != nil {
				return err
			}
			cmd.Print(rendered)
			return nil
		},
	}
	show.Flags().StringVarP(&configPath, "config", "c", "", "Path to quill.json")

	cmd.AddCommand(show)
	return cmd
}
