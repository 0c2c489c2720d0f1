// Loomwork MCP server.
// Stdio for the orchestrating agent, HTTP for the dashboard and query API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/dashboard"
	"github.com/jaakkos/loomwork/internal/domain"
	"github.com/jaakkos/loomwork/internal/policy"
	"github.com/jaakkos/loomwork/internal/repository"
	"github.com/jaakkos/loomwork/internal/tools/orchestrate"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	// Handle CLI subcommands before starting the MCP server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "verify":
			runVerifyCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("loomwork " + Version)
			return
		}
	}

	tmpLogger := log.New(os.Stderr, "[loomwork] ", log.LstdFlags|log.Lshortfile)
	cfg := loadConfig(tmpLogger)
	pol := policy.New(cfg)

	logger := setupLogger(pol.LogFile())
	logger.Println("Starting loomwork server...")
	logger.Printf("State dir: %s", pol.StateDir())
	logger.Printf("Log file: %s", pol.LogFile())

	// Persistence: file journal plus the SQLite index.
	jnl, err := repository.NewJournal(pol.StateDir())
	if err != nil {
		logger.Fatalf("Journal: %v", err)
	}
	index, err := repository.NewEventIndex(pol.EventDBPath())
	if err != nil {
		logger.Fatalf("Event index: %v", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			logger.Printf("Warning: close event index: %v", err)
		}
	}()

	events := app.NewEventLogger(index, jnl, logger)
	projector := app.NewProjector(events, jnl, pol.SnapshotEvery(), logger)
	locks := app.NewLockManager(filepath.Join(pol.StateDir(), "workflows"), logger)
	workflows := app.NewWorkflowService(events, jnl, pol.MaxIterations(), logger)
	mailbox := app.NewMailboxService(jnl, events, logger)
	escalation := app.NewEscalationService(jnl, mailbox, events,
		pol.Coordinator(), pol.Human(), pol.PollInterval(), logger)
	if fn := app.PlaybookTriage(pol.Playbook()); fn != nil {
		escalation.SetTriage(fn)
	}

	// Reconcile the store on startup: a crash mid-append leaves the two
	// sides asymmetric, and stale snapshots are caught up lazily on load.
	if ids, err := events.Workflows(); err == nil {
		for _, id := range ids {
			if err := events.Verify(id); err == nil {
				continue
			}
			if copied, err := events.Repair(id); err != nil {
				logger.Printf("Warning: repair %s: %v", id, err)
			} else if copied > 0 {
				logger.Printf("Repaired event store for %s (%d events)", id, copied)
			}
		}
	}

	// Auto-continue engine, when an executor is configured.
	var engine *app.Engine
	if argv := pol.ExecutorCommand(); len(argv) > 0 {
		executor := &app.CommandExecutor{Command: argv[0], Args: argv[1:], Logger: logger}
		var verifier app.Verifier = &approveAllVerifier{}
		if vargv := pol.VerifierCommand(); len(vargv) > 0 {
			verifier = &app.CommandVerifier{Command: vargv[0], Args: vargv[1:]}
		}
		engine = app.NewEngine(workflows, events, escalation, locks,
			executor, verifier, app.KeywordBlockerDetector{},
			pol.MaxRetries(), pol.ExecutorTimeout(), pol.PollTimeout(), logger,
			app.WithRetryDelay(pol.RetryDelay()))
		logger.Printf("Engine enabled: executor=%s", argv[0])
	} else {
		logger.Println("Engine disabled: no executor_command configured")
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})

	mcpServer := server.NewMCPServer(
		"loomwork",
		Version,
		server.WithHooks(hooks),
	)

	var regOpts []orchestrate.RegisterOption
	if engine != nil {
		regOpts = append(regOpts, orchestrate.WithEngine(engine))
	}
	orchestrate.Register(mcpServer, orchestrate.Services{
		Workflows:  workflows,
		Mailbox:    mailbox,
		Escalation: escalation,
		Projector:  projector,
		Events:     events,
	}, logger, regOpts...)

	// Graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Watchdog for dead engines and asymmetric stores.
	watchdog := app.NewWatchdog(workflows, events, escalation, locks, pol.PollTimeout(), logger)
	go watchdog.Start(ctx)

	// HTTP server for the dashboard, query API and event stream.
	var httpShutdown func()
	if pol.HTTPPort() > 0 {
		httpShutdown = startHTTPServer(pol, workflows, events, projector, logger)
	} else {
		logger.Println("HTTP disabled (http_port is 0)")
	}

	// Stdio server in the foreground for the orchestrating agent.
	logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	cancel()
	if httpShutdown != nil {
		httpShutdown()
	}
	watchdog.Stop()
	logger.Println("Server stopped")
}

// approveAllVerifier passes every feature. Used when no verifier
// command is configured so the executor's exit status decides alone.
type approveAllVerifier struct{}

func (approveAllVerifier) Verify(ctx context.Context, wf *domain.WorkflowState, f domain.Feature) (bool, string, error) {
	return true, "", nil
}

// startHTTPServer starts the dashboard HTTP server in the background
// and returns a shutdown function.
func startHTTPServer(pol *policy.Policy, workflows *app.WorkflowService, events *app.EventLogger, projector *app.Projector, logger *log.Logger) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pol.HTTPPort()))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", actualPort)

	maxConsumers, lifetime, window := pol.StreamLimits()
	limiter := dashboard.NewStreamLimiter(maxConsumers, lifetime)
	broker := dashboard.NewBroker(window)
	events.Observe(broker.Publish)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","port":%d}`, actualPort)
	})
	dash := dashboard.NewHandler(workflows, events, projector, limiter, broker)
	dash.RegisterRoutes(mux)

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  Dashboard: %s/dashboard", baseURL)

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal (interactive use), logs go to both stderr and the file.
// When stderr is redirected (daemon mode via nohup), logs go only to the file
// to avoid duplicate lines since nohup already redirects stderr to the log file.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[loomwork] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[loomwork] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[loomwork] ", log.LstdFlags|log.Lshortfile)
}

// loadConfig loads policy configuration from LOOMWORK_CONFIG or defaults.
func loadConfig(logger *log.Logger) *policy.Config {
	cfg := policy.DefaultConfig()
	if configPath := os.Getenv("LOOMWORK_CONFIG"); configPath != "" {
		var err error
		cfg, err = policy.LoadConfig(configPath)
		if err != nil {
			logger.Printf("Warning: failed to load config %s: %v, using defaults", configPath, err)
			cfg = policy.DefaultConfig()
		}
	}
	return cfg
}

// runStatusCommand implements "loomwork status".
func runStatusCommand() {
	logger := log.New(os.Stderr, "", 0)
	cfg := loadConfig(logger)
	pol := policy.New(cfg)

	jnl, err := repository.NewJournal(pol.StateDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	index, err := repository.NewEventIndex(pol.EventDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()

	events := app.NewEventLogger(index, jnl, logger)
	workflows := app.NewWorkflowService(events, jnl, pol.MaxIterations(), logger)
	states, err := workflows.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, s := range states {
		fmt.Printf("%s  %-12s iter %d/%d  $%.2f  %s\n",
			s.ID, s.Phase, s.IterationCount, s.MaxIterations, s.AccumulatedCost, s.Name)
	}
	if len(states) == 0 {
		fmt.Println("no workflows")
	}
}

// runVerifyCommand implements "loomwork verify": checks both
// persistence sides for every workflow and repairs what it can.
func runVerifyCommand() {
	logger := log.New(os.Stderr, "", 0)
	cfg := loadConfig(logger)
	pol := policy.New(cfg)

	jnl, err := repository.NewJournal(pol.StateDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	index, err := repository.NewEventIndex(pol.EventDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()

	events := app.NewEventLogger(index, jnl, logger)
	ids, err := events.Workflows()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	exitCode := 0
	for _, id := range ids {
		err := events.Verify(id)
		if err == nil {
			fmt.Printf("%s  ok\n", id)
			continue
		}
		copied, rerr := events.Repair(id)
		switch {
		case rerr == nil && copied > 0:
			fmt.Printf("%s  repaired (%d events)\n", id, copied)
		case errors.Is(rerr, app.ErrLogDiverged):
			fmt.Printf("%s  DIVERGED: %v\n", id, rerr)
			exitCode = 1
		case rerr != nil:
			fmt.Printf("%s  repair failed: %v\n", id, rerr)
			exitCode = 1
		default:
			fmt.Printf("%s  ok\n", id)
		}
	}
	os.Exit(exitCode)
}
