// Command aegisd is the aegis anti-malware engine CLI: on-demand file
// and folder scans, realtime monitoring, and quarantine management.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aegis-av/aegis/internal/config"
	"github.com/aegis-av/aegis/internal/database"
	"github.com/aegis-av/aegis/internal/event"
	"github.com/aegis-av/aegis/internal/logging"
	"github.com/aegis-av/aegis/internal/monitor"
	"github.com/aegis-av/aegis/internal/policy"
	"github.com/aegis-av/aegis/internal/quarantine"
	"github.com/aegis-av/aegis/internal/rules"
	"github.com/aegis-av/aegis/internal/scanner"
	"github.com/aegis-av/aegis/internal/sigdb"
	"github.com/aegis-av/aegis/internal/trust"
)

const usage = `usage: aegisd <command> [args]

commands:
  scan <path>          scan a file or folder, printing results as JSON lines
  watch                monitor configured watch paths until interrupted
  quarantine <path>    move a file into the quarantine repository
  restore <stored>     restore a quarantined file to its original path
  whitelist <path>     mark a file's hash as known-good
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired services for one invocation.
type app struct {
	cfg        *config.Config
	logManager *logging.Manager
	logger     *slog.Logger
	db         *sql.DB
	store      *sigdb.Store
	bus        *event.Bus
}

func (a *app) close() {
	a.store.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
	a.bus.Stop()
	_ = a.logManager.Close()
}

func setup() (*app, error) {
	configPath := os.Getenv("AEGIS_CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/aegis/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logManager, logger := logging.NewManager(cfg.Logging)
	slog.SetDefault(logger)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		_ = logManager.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		_ = db.Close()
		_ = logManager.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("catalog ready", slog.String("path", cfg.Database.Path))

	store, err := sigdb.New(db)
	if err != nil {
		_ = db.Close()
		_ = logManager.Close()
		return nil, fmt.Errorf("preparing signature queries: %w", err)
	}

	bus := event.NewBus(logger, 256)
	go bus.Start()

	return &app{
		cfg:        cfg,
		logManager: logManager,
		logger:     logger,
		db:         db,
		store:      store,
		bus:        bus,
	}, nil
}

// buildEngine loads the rule set and assembles the scan engine.
func (a *app) buildEngine() (*scanner.Engine, error) {
	matcher, err := rules.Load(a.cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("loading rule set: %w", err)
	}
	a.logger.Info("rule set loaded", "path", a.cfg.Rules.Path, "rules", matcher.RuleCount())

	pol := policy.New(a.cfg.Scanner.Exclusions)
	pol.SetFullScan(a.cfg.Scanner.FullScan)
	pol.SetThrottle(a.cfg.Scanner.ThrottleDuty, a.cfg.ThrottleMaxSleep())

	oracle := trust.New(a.cfg.Scanner.TrustedPublishers)
	return scanner.New(a.store, matcher, oracle, pol, a.logger, a.bus), nil
}

// printSink renders each result as one JSON line on stdout.
func printSink() scanner.Sink {
	enc := json.NewEncoder(os.Stdout)
	return func(r scanner.Result) {
		_ = enc.Encode(r)
	}
}

func run(command string, args []string) error {
	switch command {
	case "scan":
		return runScan(args)
	case "watch":
		return runWatch()
	case "quarantine", "restore", "whitelist":
		return runQuarantineOp(command, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runScan(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("scan requires exactly one path")
	}
	target := args[0]

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	engine, err := a.buildEngine()
	if err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat %s: %w", target, err)
	}
	sink := printSink()
	if info.IsDir() {
		engine.ScanFolder(target, sink)
	} else {
		engine.ScanFile(target, sink)
	}
	completed, total := engine.Progress()
	a.logger.Info("scan finished", "completed", completed, "total", total)
	return nil
}

func runWatch() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Monitor.WatchPaths == "" {
		return fmt.Errorf("no watch paths configured (monitor.watch_paths or AEGIS_WATCH_PATHS)")
	}

	engine, err := a.buildEngine()
	if err != nil {
		return err
	}

	svc := monitor.NewService(engine, a.logger, a.bus, a.cfg.Debounce())
	if err := svc.Start(a.cfg.Monitor.WatchPaths, printSink()); err != nil {
		return fmt.Errorf("starting realtime monitoring: %w", err)
	}
	a.logger.Info("realtime monitoring started", "watch_paths", a.cfg.Monitor.WatchPaths)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	svc.Stop()
	return nil
}

func runQuarantineOp(command string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s requires exactly one argument", command)
	}

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	mgr := quarantine.NewManager(a.db, a.store, a.cfg.Quarantine.Folder, a.logger, a.bus)

	var status string
	switch command {
	case "quarantine":
		status = mgr.Quarantine(args[0])
	case "restore":
		status = mgr.Restore(args[0])
	case "whitelist":
		status = mgr.Whitelist(args[0])
	}
	fmt.Println(status)
	return nil
}
