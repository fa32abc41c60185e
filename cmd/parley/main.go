// Parley is a chat-to-LLM relay daemon.
//
// It connects to a puppet gateway over WebSocket, filters inbound chat
// messages, maintains one durable conversation session per contact or
// room, and relays prompts to an OpenAI-compatible completion API,
// sending the replies back in paced chunks. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve             Connect to the gateway and start relaying
//	parley init [dir]        Initialize a working directory with defaults
//	parley version           Print version and build information
//	parley -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parleybot/parley/internal/buildinfo"
	"github.com/parleybot/parley/internal/command"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/dispatch"
	"github.com/parleybot/parley/internal/events"
	"github.com/parleybot/parley/internal/gate"
	"github.com/parleybot/parley/internal/images"
	"github.com/parleybot/parley/internal/openai"
	"github.com/parleybot/parley/internal/session"
	"github.com/parleybot/parley/internal/wechat"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// reconnectBackoffInit is the initial delay after a gateway failure.
const reconnectBackoffInit = 5 * time.Second

// reconnectBackoffMax is the maximum delay between gateway dials.
const reconnectBackoffMax = 60 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interfere with parallel tests, and the surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var cmd string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && cmd == "":
			cmd = args[i]
		default:
			if cmd != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmd {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Chat-to-LLM Relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the gateway and start relaying")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// runServe handles the "parley serve" subcommand. It is the primary
// operating mode: loads config, opens the stores, connects to the
// gateway, and relays events through the bridge until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Parley",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"gateway", cfg.Gateway.URL,
		"model", cfg.OpenAI.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	sessionStore, err := session.NewStore(cfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessionStore.Close()
	logger.Info("session database opened", "path", cfg.DatabasePath())

	imageStore, err := images.NewStore(cfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("open image store: %w", err)
	}
	defer imageStore.Close()

	bus := events.New()
	client := wechat.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, logger)
	completion := openai.NewClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey,
		cfg.OpenAI.Model, cfg.OpenAI.ImageSize, logger)

	bridge := NewBridge(BridgeConfig{
		Transport:        client,
		Completion:       completion,
		Store:            sessionStore,
		Resolver:         session.NewResolver(sessionStore),
		Saver:            images.NewSaver(cfg.ImagesDir(), imageStore, logger),
		Gate:             gate.New(buildinfo.StartTime(), cfg.Chat.FriendshipKeys, cfg.Chat.PreventRecallRooms),
		Router:           command.NewRouter(cfg.Chat.SystemCommand, cfg.Chat.ImageCommand),
		Dispatcher:       dispatch.New(cfg.Chat.ChunkSize, cfg.Chat.ChunkDelay()),
		Bus:              bus,
		Logger:           logger,
		MaxTokens:        cfg.Chat.MaxTokens,
		PlainTextReplies: cfg.Chat.PlainTextReplies,
	})
	defer bridge.Close()

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = serveLoop(ctx, stdout, client, bridge, bus, logger)
	logger.Info("shutdown complete")
	return err
}

// gatewayClient is the connection surface of *wechat.Client used by the
// serve loop, abstracted for testability.
type gatewayClient interface {
	Connect(ctx context.Context) error
	Close() error
	Events() <-chan wechat.Event
	Done() <-chan struct{}
}

// serveLoop connects to the gateway and pumps events into the bridge,
// reconnecting with capped exponential backoff whenever the connection
// drops. It returns when ctx is cancelled.
func serveLoop(ctx context.Context, stdout io.Writer, client gatewayClient, bridge *Bridge, bus *events.Bus, logger *slog.Logger) error {
	defer client.Close()

	backoff := reconnectBackoffInit
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("gateway connect failed",
				"error", err,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectBackoffMax)
			continue
		}

		backoff = reconnectBackoffInit
		bus.Publish(events.Event{Source: events.SourceGateway, Kind: events.KindConnected})

		if done := pumpEvents(ctx, stdout, client, bridge, logger); done {
			return nil
		}
		bus.Publish(events.Event{Source: events.SourceGateway, Kind: events.KindDisconnected})
	}
}

// pumpEvents consumes gateway events until the connection dies or ctx
// is cancelled. Returns true on cancellation, false on connection loss.
func pumpEvents(ctx context.Context, stdout io.Writer, client gatewayClient, bridge *Bridge, logger *slog.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-client.Done():
			return false
		case ev := <-client.Events():
			switch ev.Type {
			case wechat.EventScan:
				printLoginQR(stdout, ev, logger)
			case wechat.EventLogin:
				logger.Info("logged in", "user", ev.UserName)
			case wechat.EventLogout:
				logger.Warn("logged out", "user", ev.UserName)
			default:
				bridge.HandleEvent(ctx, ev)
			}
		}
	}
}

// printLoginQR renders the login QR code on stdout for the operator.
func printLoginQR(w io.Writer, ev wechat.Event, logger *slog.Logger) {
	logger.Info("scan QR code to log in", "status", ev.ScanStatus)

	block, err := wechat.RenderQR(ev.QRCode)
	if err != nil {
		// Fall back to the raw payload so login is still possible.
		logger.Error("render QR failed", "error", err)
		fmt.Fprintln(w, ev.QRCode)
		return
	}
	fmt.Fprintln(w, block)
}

// newLogger creates the structured text logger with custom level names
// (TRACE below DEBUG).
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
