// Package commands provides CLI subcommands for Quill.
package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quillware/quill/internal/agent"
	"github.com/quillware/quill/internal/config"
	"github.com/quillware/quill/internal/errdefs"
	"github.com/quillware/quill/internal/events"
	"github.com/quillware/quill/internal/llm"
	"github.com/quillware/quill/mcp"
	"github.com/quillware/quill/pkg/utils"
)

// NewChatCommand creates the chat subcommand.
func NewChatCommand() *cobra.Command {
	var (
		configPath string
		serverPath string
		debug      bool
		noStream   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session against an MCP tool server",
		Example: `  quill chat --server ./wifi_server.py
  quill chat --server ./tts_server.py --debug`,
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
			if noStream {
				cfg.LLM.Streaming = false
			}

			logger := newLogger(debug, cfg.Logging.Level)
			bus := events.NewBus(logger)

			if debug {
				sink, err := events.NewFileSink(cfg.Logging.EventLogDir, logger)
				if err != nil {
					logger.Warn().Err(err).Msg("event log sink unavailable")
				} else {
					defer func() { _ = sink.Close() }()
					bus.Subscribe(sink.Handle)
					logger.Info().Str("path", sink.Path()).Msg("event log enabled")
				}
			}

			apiKey := cfg.LLM.APIKey
			if cfg.LLM.Provider == "cloud" && apiKey == "" {
				apiKey = promptSecret(cmd, "API key")
			}

			llmClient, err := llm.New(llm.Options{
				ServerURL:         cfg.LLM.ServerURL,
				Model:             cfg.LLM.Model,
				Provider:          llm.ProviderKind(cfg.LLM.Provider),
				APIKey:            apiKey,
				Timeout:           cfg.LLM.Timeout(),
				Streaming:         cfg.LLM.Streaming,
				Inference:         cfg.LLM.Inference,
				ContextLength:     cfg.LLM.ContextLength,
				RequestsPerSecond: cfg.LLM.RequestsPerSecond,
			}, bus, logger)
			if err != nil {
				return err
			}

			session := mcp.NewSession(cfg.MCP.Interpreter, utils.ExpandPath(cfg.MCP.ServerScript), logger)
			runtime := agent.NewRuntime(session, llmClient, bus, agent.Options{
				MaxIterations:   cfg.Agent.MaxIterations,
				HistoryCapacity: cfg.Agent.HistoryCapacity,
				SystemPrompt:    cfg.Agent.SystemPrompt,
				Streaming:       cfg.LLM.Streaming,
			}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runtime.Connect(ctx); err != nil {
				return err
			}
			defer func() { _ = runtime.Cleanup() }()

			unsubscribe := bus.Subscribe(newConsoleRenderer(cmd.OutOrStdout()).handle)
			defer unsubscribe()

			cmd.Printf("Connected to %s (%d tools). Type your message, or 'exit' to quit.\n",
				session.ServerName(), runtime.ToolSet().Len())

			return chatLoop(ctx, cmd, runtime)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to quill.json")
	cmd.Flags().StringVarP(&serverPath, "server", "s", "", "Path to the MCP tool server script")
	cmd.Flags().BoolVar(&debug, "debug", false, "Debug logging and event log sink")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Disable streaming responses")
	return cmd
}

func chatLoop(ctx context.Context, cmd *cobra.Command, runtime *agent.Runtime) error {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		if ctx.Err() != nil {
			return nil
		}
		cmd.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		switch query {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		turnCtx, cancel := context.WithCancel(ctx)
		err := runtime.ProcessQuery(turnCtx, query)
		cancel()
		if err != nil {
			if errdefs.IsUserVisible(err) {
				cmd.Printf("error: %s\n", err.Error())
				continue
			}
			return err
		}
	}
}

func promptSecret(cmd *cobra.Command, label string) string {
	cmd.Printf("%s: ", label)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		cmd.Println()
		if err == nil {
			return strings.TrimSpace(string(secret))
		}
	}
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func newLogger(debug bool, level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	if debug {
		logLevel = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(logLevel).With().Timestamp().Logger()
}
