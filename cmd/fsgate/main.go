// Command fsgate runs the sandboxed filesystem gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/clawinfra/fsgate/internal/api"
	"github.com/clawinfra/fsgate/internal/batch"
	"github.com/clawinfra/fsgate/internal/checksum"
	"github.com/clawinfra/fsgate/internal/config"
	"github.com/clawinfra/fsgate/internal/dirops"
	"github.com/clawinfra/fsgate/internal/diskusage"
	"github.com/clawinfra/fsgate/internal/gateway"
	"github.com/clawinfra/fsgate/internal/index"
	"github.com/clawinfra/fsgate/internal/relay"
	"github.com/clawinfra/fsgate/internal/scheduler"
	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/watch"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the runtime components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Audit    *security.Audit
	Engine   *security.Engine
	Gateway  *gateway.Gateway
	Index    *index.Store
	Watch    *watch.Registry
	GC       *scheduler.GC
	Relay    *relay.Relay
	Server   *api.Server
	ConfigW  *config.Watcher
	auditOut io.Closer
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "fsgate.json", "path to the configuration file")
	workspace := flag.String("workspace", "", "workspace root (overrides the config file)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fsgate %s (built %s)\n", version, buildTime)
		return 0
	}

	// Subcommand: token <agent-id> [role]
	if args := flag.Args(); len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsgate: %v\n", err)
		return 1
	}
	if *workspace != "" {
		cfg.WorkspaceRoot = *workspace
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("fsgate starting", "version", version, "workspace", cfg.WorkspaceRoot)

	app, err := buildApp(cfg, *configPath, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer app.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandlers(ctx, cancel, logger)

	if err := app.Server.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildApp(cfg *config.Config, configPath string, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	// Policy: base config plus any hardening profiles.
	pol, err := security.NewPolicy(cfg.WorkspaceRoot, cfg.AllowedSubdirectories, cfg.BlockedPaths, cfg.BlockedPatterns)
	if err != nil {
		return nil, err
	}
	pol.MaxFileSize = cfg.MaxFileSize
	pol.MaxBatchSize = cfg.MaxBatchSize
	pol.MaxOpsPerMinute = cfg.MaxOperationsPerMinute
	pol.MaxOpsPerHour = cfg.MaxOperationsPerHour
	pol.ReadOnly = cfg.ReadOnly

	profiles, err := security.LoadProfiles(cfg.Profiles)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if err := p.Apply(pol); err != nil {
			return nil, err
		}
		logger.Info("policy profile applied", "profile", p.Name)
	}

	// Optional MQTT relay; it mirrors audit lines and watch events.
	if cfg.Relay.Enabled {
		app.Relay = relay.New(cfg.Relay.Broker, cfg.Relay.ClientID, cfg.Relay.TopicPrefix, logger)
		if err := app.Relay.Start(); err != nil {
			// The relay is a sink; a dead broker must not stop the gateway.
			logger.Warn("relay unavailable, continuing without it", "error", err)
			app.Relay = nil
		}
	}

	// Audit sink: stderr or file, mirrored to the relay when present.
	var sink io.Writer = os.Stderr
	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		app.auditOut = f
		sink = f
	}
	if app.Relay != nil {
		sink = io.MultiWriter(sink, app.Relay.AuditWriter())
	}
	app.Audit = security.NewAudit(sink, cfg.EnableAuditLog, logger)

	limiter := security.NewRateLimiter(cfg.MaxOperationsPerMinute, cfg.MaxOperationsPerHour)
	app.Engine = security.NewEngine(pol, limiter, app.Audit, logger)
	app.Engine.SetEmergencyStop(cfg.EmergencyStop)
	app.Engine.SetEmergencyReadOnly(cfg.EmergencyReadOnly)

	watchOpts := watch.Options{
		PollInterval: time.Duration(cfg.Watch.PollIntervalMs) * time.Millisecond,
		MaxSessions:  cfg.Watch.MaxSessions,
		BufferSize:   cfg.Watch.BufferSize,
	}
	if app.Relay != nil {
		watchOpts.OnEvent = app.Relay.PublishEvent
	}
	app.Watch = watch.NewRegistry(app.Engine, watchOpts, logger)

	app.Index, err = index.New(cfg.Index.DBPath, app.Engine, index.Options{
		MaxContentBytes: cfg.Index.MaxContentBytes,
		Workers:         cfg.Index.Workers,
	}, logger)
	if err != nil {
		return nil, err
	}

	app.Gateway = gateway.New(app.Engine,
		batch.New(app.Engine, logger),
		dirops.New(app.Engine, logger),
		app.Watch,
		checksum.New(app.Engine, logger),
		diskusage.New(app.Engine, logger),
		app.Index,
		logger)

	if cfg.BackupGC.Enabled {
		app.GC, err = scheduler.NewGC(cfg.WorkspaceRoot, cfg.BackupGC.Schedule,
			time.Duration(cfg.BackupGC.TTLMinutes)*time.Minute, logger)
		if err != nil {
			return nil, fmt.Errorf("backup gc: %w", err)
		}
		if err := app.GC.Start(); err != nil {
			return nil, fmt.Errorf("backup gc: %w", err)
		}
	}

	// Hot reload of the emergency flags by editing the config file.
	app.ConfigW = config.NewWatcher(configPath, 5*time.Second, logger, func(next *config.Config) {
		app.Engine.SetEmergencyStop(next.EmergencyStop)
		app.Engine.SetEmergencyReadOnly(next.EmergencyReadOnly)
	})
	app.ConfigW.Start()

	app.Server = api.NewServer(cfg.Server.Port, app.Gateway, []byte(cfg.Server.AuthSecret), logger)
	return app, nil
}

func (a *App) shutdown() {
	if a.ConfigW != nil {
		a.ConfigW.Stop()
	}
	if a.Watch != nil {
		a.Watch.StopAll()
	}
	if a.GC != nil {
		a.GC.Stop()
	}
	if a.Index != nil {
		a.Index.Close()
	}
	if a.Audit != nil {
		a.Audit.Close()
	}
	if a.Relay != nil {
		a.Relay.Stop()
	}
	if a.auditOut != nil {
		a.auditOut.Close()
	}
	a.Logger.Info("fsgate stopped")
}

// runToken mints an agent bearer token using the configured secret.
func runToken(args []string, configPath string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: fsgate token <agent-id> [role]")
		return 2
	}
	agentID := args[0]
	role := security.RoleAgent
	if len(args) > 1 {
		role = args[1]
	}
	if role != security.RoleAgent && role != security.RoleAdmin {
		fmt.Fprintf(os.Stderr, "fsgate: unknown role %q\n", role)
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsgate: %v\n", err)
		return 1
	}
	if cfg.Server.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "fsgate: server.authSecret is not configured")
		return 1
	}

	ttl := time.Duration(cfg.Server.TokenTTLMinutes) * time.Minute
	token, err := security.GenerateToken(agentID, role, []byte(cfg.Server.AuthSecret), ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsgate: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
