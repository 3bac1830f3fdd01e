// Cartwright is a conversational grocery-basket agent.
//
// A shopper describes a dish or a shopping list in plain language; the
// agent searches a product catalog over MCP, assembles a basket and
// answers with a checkout link. It serves an HTTP API, an optional
// WhatsApp webhook, and a CLI for one-shot and interactive use.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	cartwright serve              Start the API server
//	cartwright init [dir]         Write an example config and prompt
//	cartwright ask <request>      Run one turn and print the answer
//	cartwright chat               Interactive session on stdin
//	cartwright version            Print version and build information
//	cartwright -o json version    Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/cartwright/internal/agent"
	"github.com/nugget/cartwright/internal/api"
	"github.com/nugget/cartwright/internal/buildinfo"
	"github.com/nugget/cartwright/internal/config"
	"github.com/nugget/cartwright/internal/connwatch"
	"github.com/nugget/cartwright/internal/mqtt"
	"github.com/nugget/cartwright/internal/whatsapp"
)

// cliIdentity is the conversation used by ask and chat.
const cliIdentity = "cli"

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit and os.Args out of the application logic so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand instead of
// with the flag package so run can be called concurrently from tests.
// It returns nil on clean shutdown.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: cartwright ask <request>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
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
	fmt.Fprintln(w, "Cartwright - grocery basket agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cartwright [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml and prompt.md (default: .)")
	fmt.Fprintln(w, "  ask <text>   Run one turn and print the answer")
	fmt.Fprintln(w, "  chat         Interactive session on stdin (/reset starts over)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk runs a single turn for the CLI identity and prints the reply.
// Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, text string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	reply, err := a.service.Handle(ctx, cliIdentity, text)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	printReply(stdout, reply)
	return nil
}

// runChat reads one message per line from stdin until EOF or ctx ends.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintln(stdout, "What would you like to cook or buy? (/reset starts over, Ctrl-D quits)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, err := a.service.Handle(ctx, cliIdentity, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(stderr, "error: %v\n", err)
			continue
		}
		printReply(stdout, reply)
	}
}

// printReply writes the reply text followed by the basket summary and
// checkout link when present.
func printReply(w io.Writer, r *agent.Reply) {
	fmt.Fprintln(w, strings.TrimSpace(r.Text))
	if r.CheckoutURL == "" {
		return
	}
	fmt.Fprintln(w)
	for _, l := range r.Basket {
		fmt.Fprintf(w, "  %3d × %s\n", l.Quantity, l.Product.Name)
	}
	fmt.Fprintf(w, "  total: %s\n", strconv.FormatFloat(r.Total, 'f', 2, 64))
	fmt.Fprintf(w, "  checkout: %s\n", r.CheckoutURL)
}

// runServe is the primary operating mode: it wires every component,
// starts the API server and background workers, and blocks until
// SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context
//  2. The HTTP server drains in-flight requests
//  3. WhatsApp turns already acknowledged finish and reply
//  4. MQTT publishes "offline" and disconnects
//  5. The usage ledger and catalog connection close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Cartwright", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ParseLogLevel was checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"busy_policy", cfg.Session.BusyPolicy,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.store.Janitor(ctx, cfg.Session.SweepInterval, cfg.Session.IdleTTL)

	connMgr := connwatch.NewManager(a.bus, logger)
	defer connMgr.Stop()
	catalogWatch := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "catalog",
		Probe: a.catalog.Ping,
	})
	modelWatch := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  cfg.LLM.Provider,
		Probe: a.llm.Ping,
	})

	opts := []api.Option{
		api.WithEventBus(a.bus),
		api.WithHealthCheck("catalog", catalogWatch.Check),
		api.WithHealthCheck(cfg.LLM.Provider, modelWatch.Check),
	}
	if a.usage != nil {
		opts = append(opts, api.WithUsage(a.usage))
	}

	var hook *whatsapp.Webhook
	if cfg.Twilio.Enabled {
		sender := whatsapp.NewTwilioSender(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber)
		hook = whatsapp.NewWebhook(ctx, whatsapp.Config{
			AuthToken:   cfg.Twilio.AuthToken,
			WebhookURL:  cfg.Twilio.WebhookURL,
			TurnTimeout: cfg.Agent.TurnTimeout + 30*time.Second,
		}, a.service, sender, logger)
		opts = append(opts, api.WithRoutes(hook.Routes))
		logger.Info("whatsapp webhook enabled", "path", "/twilio/webhook", "signature_check", cfg.Twilio.WebhookURL != "")
	}

	var publisher *mqtt.Publisher
	var workers sync.WaitGroup
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, a.bus, logger.With("component", "mqtt"))
		opts = append(opts, api.WithHealthCheck("mqtt", publisher.Ping))
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(addr, a.service, logger, opts...)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	if hook != nil {
		hook.Wait()
	}
	if publisher != nil {
		workers.Wait()
		stopCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := publisher.Stop(stopCtx); err != nil {
			logger.Warn("mqtt disconnect", "error", err)
		}
		done()
	}

	logger.Info("Cartwright stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format ("text" or "json").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
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
