// Package main is the Stagehand entry point: one binary that receives
// tracker webhooks, routes them to repositories, and drives local coding
// agents through their procedures.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand/stagehand/internal/common/config"
	"github.com/stagehand/stagehand/internal/common/httpmw"
	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/common/tracing"
	"github.com/stagehand/stagehand/internal/events/bus"
	"github.com/stagehand/stagehand/internal/fault"
	gateway "github.com/stagehand/stagehand/internal/gateway/websocket"
	"github.com/stagehand/stagehand/internal/procedure"
	"github.com/stagehand/stagehand/internal/router"
	"github.com/stagehand/stagehand/internal/runner"
	"github.com/stagehand/stagehand/internal/runner/codexcli"
	"github.com/stagehand/stagehand/internal/session"
	"github.com/stagehand/stagehand/internal/tracker"
	"github.com/stagehand/stagehand/internal/transport"
	"github.com/stagehand/stagehand/internal/worker"
	"github.com/stagehand/stagehand/internal/workspace"
)

const (
	snapshotInterval = 30 * time.Second
	gcInterval       = time.Hour
	shutdownTimeout  = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Stagehand",
		zap.String("platform", cfg.Tracker.Platform),
		zap.Int("repositories", len(cfg.Repositories)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	trk, err := buildTracker(cfg)
	if err != nil {
		log.Fatal("Failed to initialize tracker", zap.Error(err))
	}

	mgr := session.NewManager(trk, eventBus, cfg.Procedure.SessionRetentionDuration(), log)

	// Snapshot persistence: restore on boot, save periodically and on exit.
	var store *session.Store
	if cfg.State.Path != "" {
		store, err = session.OpenStore(cfg.State.Path)
		if err != nil {
			log.Fatal("Failed to open state store", zap.Error(err), zap.String("path", cfg.State.Path))
		}
		defer func() { _ = store.Close() }()

		snap, err := store.Load(ctx)
		switch {
		case err == nil:
			mgr.Restore(snap)
			log.Info("Restored session snapshot",
				zap.Int("sessions", len(snap.Sessions)),
				zap.Time("taken_at", snap.TakenAt))
		case fault.IsKind(err, fault.NotFound):
			log.Info("No session snapshot to restore")
		default:
			log.Fatal("Failed to load session snapshot", zap.Error(err))
		}
	}

	rtr := router.New(cfg.Repositories, trk, mgr.ActiveRepoFor, log)
	engine := procedure.NewEngine(cfg.Procedure.MaxValidationIterations, log)

	newRunner := func(repo *config.RepositoryConfig) runner.Runner {
		return codexcli.New(codexcli.Config{Binary: cfg.Runner.Binary}, log)
	}

	wrk := worker.New(cfg, trk, eventBus, mgr, rtr, engine, workspace.LocalFactory, newRunner, log)
	if err := wrk.Start(); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}
	defer wrk.Stop()

	hub := gateway.NewHub(log)
	gw := gateway.NewGateway(hub, eventBus, log)
	if err := gw.Start(); err != nil {
		log.Fatal("Failed to start websocket gateway", zap.Error(err))
	}
	defer gw.Stop()

	if strings.ToLower(cfg.Logging.Level) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(log, "stagehand"))
	r.Use(httpmw.OtelTracing("stagehand"))

	transport.NewWebhook(cfg.Tracker, log, wrk.HandleWebhook).Register(r)
	gw.Register(r)
	registerApprovalRoutes(r, wrk, log)

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"platform":  trk.PlatformType(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
	r.GET("/health", health)
	if strings.ToLower(cfg.Tracker.Platform) == "cli" {
		r.GET("/cli/health", health)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		snapshotLoop(gctx, mgr, store, log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Shutdown with error", zap.Error(err))
	}

	if store != nil {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer saveCancel()
		if err := store.Save(saveCtx, mgr.Snapshot()); err != nil {
			log.Error("Failed to save final snapshot", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	log.Info("Stagehand stopped")
}

// buildTracker selects the tracker implementation. Platform SDK wrappers
// plug in here; cli mode runs against the in-memory service.
func buildTracker(cfg *config.Config) (tracker.Service, error) {
	switch strings.ToLower(cfg.Tracker.Platform) {
	case "cli":
		return tracker.NewMemoryService(), nil
	default:
		return nil, fmt.Errorf("tracker platform %q requires an external service integration; use platform \"cli\"", cfg.Tracker.Platform)
	}
}

// snapshotLoop persists the manager periodically and garbage-collects
// terminal sessions.
func snapshotLoop(ctx context.Context, mgr *session.Manager, store *session.Store, log *logger.Logger) {
	snapTicker := time.NewTicker(snapshotInterval)
	gcTicker := time.NewTicker(gcInterval)
	defer snapTicker.Stop()
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapTicker.C:
			if store == nil {
				continue
			}
			if err := store.Save(ctx, mgr.Snapshot()); err != nil {
				log.Error("Failed to save snapshot", zap.Error(err))
			}
		case <-gcTicker.C:
			if removed := mgr.GC(time.Now()); removed > 0 {
				log.Info("Collected terminal sessions", zap.Int("removed", removed))
			}
		}
	}
}

// registerApprovalRoutes exposes the human approval endpoints linked from
// elicitation activities.
func registerApprovalRoutes(r gin.IRouter, wrk *worker.Worker, log *logger.Logger) {
	r.GET("/approvals/:id", func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := wrk.Approvals().SessionFor(id); !ok {
			c.String(http.StatusNotFound, "approval not found or already resolved")
			return
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, approvalPage, id, id)
	})

	r.POST("/approvals/:id", func(c *gin.Context) {
		id := c.Param("id")
		var res worker.ApprovalResolution
		if err := c.ShouldBindJSON(&res); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"approved\": bool, \"feedback\": string}"})
			return
		}
		if err := wrk.Approvals().Resolve(id, res); err != nil {
			if fault.IsKind(err, fault.NotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "approval not found or already resolved"})
				return
			}
			log.Error("Failed to resolve approval", zap.String("approval_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve approval"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

const approvalPage = `<!doctype html>
<html>
<head><title>Stagehand approval</title></head>
<body>
<h1>Pending approval</h1>
<p>Approval <code>%s</code> is waiting for your decision.</p>
<form onsubmit="resolve(event)">
<textarea id="feedback" rows="4" cols="60" placeholder="Optional feedback"></textarea><br>
<button type="button" onclick="send(true)">Approve</button>
<button type="button" onclick="send(false)">Reject</button>
</form>
<script>
function send(approved) {
  fetch('/approvals/%s', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({approved: approved, feedback: document.getElementById('feedback').value})
  }).then(function() { document.body.innerHTML = '<p>Thanks, you can close this page.</p>'; });
}
</script>
</body>
</html>`
