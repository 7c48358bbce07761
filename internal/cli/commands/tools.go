package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/quillware/quill/internal/config"
	"github.com/quillware/quill/mcp"
	"github.com/quillware/quill/pkg/utils"
)

// NewToolsCommand creates the tools subcommand: connect to a tool server,
// print its catalog, and exit.
func NewToolsCommand() *cobra.Command {
	var (
		configPath string
		serverPath string
	)

	cmd := &cobra.Command{
		Use:     "tools",
		Short:   "List the tools an MCP server offers",
		Example: `  quill tools --server ./wifi_server.py`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if serverPath != "" {
				cfg.MCP.ServerScript = serverPath
			}
			if cfg.MCP.ServerScript == "" {
				return fmt.Errorf("no tool server script given, use --server or set mcp.serverScript")
			}

			logger := newLogger(false, cfg.Logging.Level)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session := mcp.NewSession(cfg.MCP.Interpreter, utils.ExpandPath(cfg.MCP.ServerScript), logger)
			if err := session.Connect(ctx); err != nil {
				return err
			}
			defer func() { _ = session.Close() }()

			cmd.Printf("Server: %s\n\n", session.ServerName())

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Tool", "Description"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, tool := range session.Tools() {
				table.Append([]string{tool.Name, utils.Truncate(tool.Description, 80)})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to quill.json")
	cmd.Flags().StringVarP(&serverPath, "server", "s", "", "Path to the MCP tool server script")
	return cmd
}
