// Command mcphostd runs an MCP client fleet from a YAML config file: it
// connects to every enabled server and serves until interrupted. A server
// that fails to connect or drops is not reconnected automatically.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leandrotocalini/mcpcore/internal/mcpconfig"
	"github.com/leandrotocalini/mcpcore/internal/mcpregistry"
	"github.com/leandrotocalini/mcpcore/internal/mcpsecurity"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitRuntimeError = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var auditPath string
	var watch bool

	root := &cobra.Command{
		Use:   "mcphostd",
		Short: "Run a fleet of MCP server connections from a config file",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "mcp.yaml", "path to the server config YAML file")
	root.PersistentFlags().StringVar(&auditPath, "audit-log", "", "path to an append-only audit log file (in-memory if empty)")
	root.PersistentFlags().BoolVar(&watch, "watch", false, "reload the config file on change")

	exitCode := exitOK

	root.RunE = func(cmd *cobra.Command, args []string) error {
		code, err := serve(cmd.Context(), configPath, auditPath, watch)
		exitCode = code
		return err
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a server config file and print every problem found",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := validate(configPath)
			exitCode = code
			return err
		},
	}
	root.AddCommand(validateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitOK {
			exitCode = exitRuntimeError
		}
	}
	return exitCode
}

func validate(configPath string) (int, error) {
	loader := mcpconfig.NewLoader(slog.Default())
	doc, err := loader.LoadFromFile(configPath)
	if err != nil {
		return exitConfigError, err
	}

	errs := mcpconfig.ValidateConfig(doc)
	if len(errs) == 0 {
		fmt.Printf("%s: %d server(s), no problems found\n", configPath, len(doc.Servers))
		return exitOK, nil
	}
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, e)
	}
	return exitConfigError, fmt.Errorf("%d validation error(s)", len(errs))
}

func serve(ctx context.Context, configPath, auditPath string, watch bool) (int, error) {
	logger := slog.Default()

	loader := mcpconfig.NewLoader(logger)
	doc, err := loader.LoadFromFile(configPath)
	if err != nil {
		return exitConfigError, fmt.Errorf("load config: %w", err)
	}
	if errs := mcpconfig.ValidateConfig(doc); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return exitConfigError, fmt.Errorf("config has %d error(s)", len(errs))
	}

	var auditStorage mcpsecurity.AuditStorage
	if auditPath != "" {
		auditStorage = mcpsecurity.NewFileAuditStorage(auditPath)
	} else {
		auditStorage = mcpsecurity.NewInMemoryAuditStorage()
	}
	auditLogger := mcpsecurity.NewAuditLogger(auditStorage)
	permissions := mcpsecurity.NewPermissionManager()
	permissions.SetDefaultLevel(mcpsecurity.LevelRead)

	registry := mcpregistry.NewRegistry(
		mcpregistry.WithLogger(logger),
		mcpregistry.WithPermissions(permissions),
		mcpregistry.WithAuditLogger(auditLogger),
	)
	registry.AddEventHandler(func(ev mcpregistry.Event) {
		eventType := mcpsecurity.EventServerConnected
		switch ev.Type {
		case mcpregistry.EventDisconnected:
			eventType = mcpsecurity.EventServerDisconnected
		case mcpregistry.EventError:
			eventType = mcpsecurity.EventServerError
		}
		meta := map[string]any{"status": string(ev.Status)}
		if ev.Err != nil {
			meta["error"] = ev.Err.Error()
		}
		_ = auditLogger.LogServerEvent(ctx, ev.Server, eventType, meta)
	})

	for _, def := range doc.Servers {
		if !def.IsEnabled() {
			continue
		}
		registry.Register(def.ToServerConfig(), def.Description, def.Tags)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.ConnectAll(runCtx); err != nil {
		logger.Warn("mcphostd: one or more servers failed to connect", "error", err)
	}

	if watch {
		watcher := mcpconfig.NewWatcher(configPath, loader, logger, func(newDoc *mcpconfig.Document) {
			for _, def := range newDoc.Servers {
				if !def.IsEnabled() {
					continue
				}
				registry.Register(def.ToServerConfig(), def.Description, def.Tags)
				go func(name string) {
					connectCtx, cancel := context.WithTimeout(runCtx, 30*time.Second)
					defer cancel()
					if err := registry.Connect(connectCtx, name); err != nil {
						logger.Warn("mcphostd: reload connect failed", "server", name, "error", err)
					}
				}(def.Name)
			}
		})
		if err := watcher.Start(runCtx); err != nil {
			logger.Warn("mcphostd: config watcher disabled", "error", err)
		}
	}

	summary := registry.GetStatusSummary()
	logger.Info("mcphostd: started", "servers", len(summary.Servers), "tools", summary.TotalToolCount)

	<-runCtx.Done()
	logger.Info("mcphostd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		return exitRuntimeError, fmt.Errorf("shutdown: %w", err)
	}
	return exitOK, nil
}
