package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"roost/internal/endpoint"
	"roost/internal/gateway"
	"roost/internal/identity"
	"roost/internal/infra/config"
	"roost/internal/infra/logger"
	"roost/internal/infra/tracer"
	"roost/internal/supervise"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "chat"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "chat":
		err = withClient(runChat)
	case "sessions":
		err = withClient(runSessions)
	case "models":
		err = withClient(runModels)
	case "usage":
		err = withClient(runUsage)
	case "status":
		err = withClient(runStatus)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'roost --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`roost - desktop client for the roost agent daemon

USAGE:
    roost [COMMAND] [FLAGS]

COMMANDS:
    chat        Interactive chat (default)
    sessions    List sessions
                Subcommands: patch KEY MODEL|-, compact KEY
    models      List available models
    usage       Show cost and token usage
    status      Show daemon connection status

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ~/.roost/config.yaml)
    --session KEY      Chat session key (default: "main")
    --thinking LEVEL   Thinking level for chat.send (e.g. low, high)

CONFIGURATION:
    Config file: ~/.roost/config.yaml
    Environment: ROOST_* variables override config
                 (ROOST_GATEWAY_URL, ROOST_GATEWAY_TOKEN, ROOST_CLIENT_ID,
                  ROOST_NO_AUTOSTART, ROOST_STATE_KEY, ...)

EXAMPLES:
    roost                            # chat in the default session
    roost chat --session work        # chat in a named session
    roost sessions                   # list sessions
    roost sessions patch work gpt-4o # pin a session model
    roost sessions patch work -      # clear the session model
    roost status                     # daemon health at a glance`)
}

// cliFlags holds the flags shared by all subcommands.
type cliFlags struct {
	ConfigPath string
	Session    string
	Thinking   string
}

// parseFlags extracts --config, --session, --thinking from os.Args.
func parseFlags() cliFlags {
	flags := cliFlags{Session: "main"}
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			flags.ConfigPath = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--config="):
			flags.ConfigPath = strings.TrimPrefix(os.Args[i], "--config=")
		case os.Args[i] == "--session" && i+1 < len(os.Args):
			flags.Session = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--session="):
			flags.Session = strings.TrimPrefix(os.Args[i], "--session=")
		case os.Args[i] == "--thinking" && i+1 < len(os.Args):
			flags.Thinking = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--thinking="):
			flags.Thinking = strings.TrimPrefix(os.Args[i], "--thinking=")
		}
	}
	return flags
}

func configPath(flags cliFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return home + "/.roost/config.yaml"
}

// app bundles the wired components handed to a subcommand.
type app struct {
	flags  cliFlags
	cfg    *config.Config
	log    *slog.Logger
	client *gateway.Client
}

// withClient builds the composition root, runs fn, and tears down. The
// gateway client is constructed exactly once per process.
func withClient(fn func(ctx context.Context, a *app) error) error {
	flags := parseFlags()

	// 1. Config
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Identity, endpoint, supervisor
	ids := identity.NewStore(cfg.Gateway.StateDir, log)
	resolver := endpoint.New(cfg.Gateway.ConfigPath, cfg.Gateway.ManifestPath,
		cfg.Gateway.Mode, endpoint.Defaults{Port: defaultDaemonPort}, log)

	var starter gateway.ProcessStarter
	if cfg.Daemon.Autostart {
		sup := supervise.New(log)
		sup.StartDeadline = cfg.Daemon.StartDeadline
		starter = sup
	}

	// 4. Gateway client
	client := gateway.New(gateway.Config{
		Role:           cfg.Gateway.Role,
		Scopes:         cfg.Gateway.Scopes,
		Mode:           cfg.Gateway.Mode,
		Version:        appVersion,
		ClientIDs:      gateway.ClientIDCandidates(cfg.Gateway.StateDir),
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	}, resolver, ids, starter, log)
	defer client.Close()

	// 5. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return fn(ctx, &app{flags: flags, cfg: cfg, log: log, client: client})
}

const (
	appVersion        = "0.3.0"
	defaultDaemonPort = 18789
)

func runChat(ctx context.Context, a *app) error {
	var (
		mu        sync.Mutex
		activeRun string
		done      = make(chan struct{}, 1)
	)

	a.client.SetHandlers(gateway.Handlers{
		Token: func(ev gateway.TokenEvent) {
			mu.Lock()
			active := ev.RunID == activeRun
			mu.Unlock()
			if active {
				fmt.Print(ev.Text)
			}
		},
		RunState: func(ev gateway.RunStateEvent) {
			mu.Lock()
			active := ev.RunID == activeRun
			if active && ev.Phase != "started" {
				activeRun = ""
			}
			mu.Unlock()
			if !active {
				return
			}
			switch ev.Phase {
			case "completed":
				fmt.Println()
				done <- struct{}{}
			case "failed", "aborted":
				fmt.Printf("\n[%s] %s\n", ev.Phase, ev.Error)
				done <- struct{}{}
			}
		},
		SeqGap: func(g gateway.SeqGap) {
			a.log.Warn("event stream gap", "expected", g.Expected, "received", g.Received)
		},
		StateChange: func(st gateway.State, err error) {
			if st == gateway.StateDisconnected && err != nil {
				fmt.Fprintf(os.Stderr, "\n[offline] %v\n", err)
			}
		},
	})

	if err := a.client.Connect(ctx); err != nil {
		return err
	}

	// Show recent history before the prompt.
	if hist, err := a.client.History(ctx, a.flags.Session, 20); err == nil {
		for _, m := range hist.Messages {
			fmt.Printf("%s: %s\n", m.Role, m.Content)
		}
	}

	// Ctrl-C during a run aborts the run; at the prompt it exits.
	go func() {
		<-ctx.Done()
		mu.Lock()
		run := activeRun
		mu.Unlock()
		if run != "" {
			abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := a.client.Abort(abortCtx, a.flags.Session, run); err != nil {
				a.log.Warn("abort failed", "runId", run, "error", err)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", a.flags.Session)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		receipt, err := a.client.Send(ctx, a.flags.Session, line, a.flags.Thinking)
		if err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			continue
		}
		mu.Lock()
		activeRun = receipt.RunID
		mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil
		}
	}
}

func runSessions(ctx context.Context, a *app) error {
	args := subArgs()
	if len(args) > 0 {
		switch args[0] {
		case "patch":
			if len(args) < 3 {
				return fmt.Errorf("usage: roost sessions patch KEY MODEL|-")
			}
			var model *string
			if args[2] != "-" {
				model = &args[2]
			}
			res, err := a.client.PatchSession(ctx, args[1], model)
			if err != nil {
				return err
			}
			if res.Model == "" {
				fmt.Printf("%s: model cleared\n", res.Key)
			} else {
				fmt.Printf("%s: model %s\n", res.Key, res.Model)
			}
			return nil
		case "compact":
			if len(args) < 2 {
				return fmt.Errorf("usage: roost sessions compact KEY")
			}
			res, err := a.client.CompactSession(ctx, args[1], 0)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d -> %d lines\n", res.Key, res.LinesBefore, res.LinesAfter)
			return nil
		default:
			return fmt.Errorf("unknown sessions subcommand: %s", args[0])
		}
	}

	page, err := a.client.Sessions(ctx, gateway.SessionsQuery{Limit: 50})
	if err != nil {
		return err
	}
	if page.Defaults.Model != "" {
		fmt.Printf("default model: %s\n", page.Defaults.Model)
	}
	for _, s := range page.Sessions {
		name := s.DisplayName
		if name == "" {
			name = s.Key
		}
		fmt.Printf("%-30s  %-20s  %d messages\n", name, s.Model, s.MessageCount)
	}
	return nil
}

func runModels(ctx context.Context, a *app) error {
	cat, err := a.client.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range cat.Models {
		if m.ContextWindow > 0 {
			fmt.Printf("%-40s %-12s %dk context\n", m.ID, m.Provider, m.ContextWindow/1000)
		} else {
			fmt.Printf("%-40s %s\n", m.ID, m.Provider)
		}
	}
	return nil
}

func runUsage(ctx context.Context, a *app) error {
	sum, err := a.client.UsageCost(ctx)
	if err != nil {
		return err
	}
	for _, d := range sum.Days {
		fmt.Printf("%s  $%8.4f  in:%d out:%d\n", d.Date, d.CostUSD, d.InputTokens, d.OutputTokens)
	}
	fmt.Printf("total  $%8.4f  in:%d out:%d\n", sum.TotalCostUSD, sum.TotalInputTokens, sum.TotalOutputTokens)
	return nil
}

func runStatus(ctx context.Context, a *app) error {
	if err := a.client.Connect(ctx); err != nil {
		fmt.Println("daemon: unreachable")
		return err
	}
	hello := a.client.Hello()
	fmt.Println("daemon: connected")
	fmt.Printf("protocol: %d\n", hello.Protocol)
	if v, ok := hello.Server["version"]; ok {
		if s, sok := v.String(); sok {
			fmt.Printf("server version: %s\n", s)
		}
	}
	if hello.Snapshot != nil {
		if hello.Snapshot.UptimeMs > 0 {
			fmt.Printf("uptime: %s\n", (time.Duration(hello.Snapshot.UptimeMs) * time.Millisecond).Round(time.Second))
		}
		if hello.Snapshot.StateDir != "" {
			fmt.Printf("state dir: %s\n", hello.Snapshot.StateDir)
		}
	}
	if tick := a.client.TickInterval(); tick > 0 {
		fmt.Printf("tick interval: %s\n", tick)
	}
	if hello.Auth != nil {
		fmt.Printf("role: %s scopes: %s\n", hello.Auth.Role, strings.Join(hello.Auth.Scopes, ","))
	}
	return nil
}

// subArgs returns the positional args after the subcommand, flags stripped.
func subArgs() []string {
	var out []string
	for i := 2; i < len(os.Args); i++ {
		a := os.Args[i]
		if strings.HasPrefix(a, "--") {
			if !strings.Contains(a, "=") && i+1 < len(os.Args) {
				i++
			}
			continue
		}
		out = append(out, a)
	}
	return out
}
