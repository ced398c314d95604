package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/agent/driver"
	"github.com/kandev/kandev/internal/api/callback"
	execapi "github.com/kandev/kandev/internal/api/execution"
	planapi "github.com/kandev/kandev/internal/api/plan"
	"github.com/kandev/kandev/internal/blob"
	"github.com/kandev/kandev/internal/command/store"
	"github.com/kandev/kandev/internal/common/config"
	apperrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/dispatch"
	"github.com/kandev/kandev/internal/dispatch/queue"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
	"github.com/kandev/kandev/internal/playback"
	"github.com/kandev/kandev/internal/stream"
	"github.com/kandev/kandev/internal/worker"
)

// staticWorkerLoader re-serves workers from the same seed list the
// registry was populated with at startup; there is no worker
// persistence layer in scope, so a dirty-marked worker simply re-reads
// its own unchanged seed entry.
type staticWorkerLoader struct {
	workers map[string]*domain.Worker // workerID -> worker
}

func (l *staticWorkerLoader) LoadWorker(ctx context.Context, tenantID, workerID string) (*domain.Worker, error) {
	w, ok := l.workers[workerID]
	if !ok || w.TenantID != tenantID {
		return nil, apperrors.NotFound("worker", workerID)
	}
	return w, nil
}

func seedWorkers(cfg []config.WorkerSeedConfig) (*staticWorkerLoader, []*domain.Worker) {
	loader := &staticWorkerLoader{workers: make(map[string]*domain.Worker, len(cfg))}
	seeded := make([]*domain.Worker, 0, len(cfg))
	for _, w := range cfg {
		worker := &domain.Worker{
			ID:       w.ID,
			Name:     w.Name,
			TenantID: w.TenantID,
			Host:     w.Host,
			Port:     w.Port,
			Account:  domain.AccountRef{Username: w.AccountUsername},
			Labels:   w.Labels,
			Platform: domain.Platform(w.Platform),
			Env:      w.Env,
		}
		loader.workers[worker.ID] = worker
		seeded = append(seeded, worker)
	}
	return loader, seeded
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Behemoth dispatcher service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Command Store: relational by default, FTS5 search-index backend
	// when configured.
	var commands store.Store
	if cfg.Command.SearchIndexEnabled {
		commands, err = store.NewIndexStore(cfg.Command.Path)
	} else {
		commands, err = store.NewSQLStore(cfg.Command.Path, cfg.Command.MaxOutputLength)
	}
	if err != nil {
		log.Fatal("Failed to initialize command store", zap.Error(err))
	}
	defer commands.Close()
	log.Info("Initialized command store", zap.Bool("search_index", cfg.Command.SearchIndexEnabled))

	plans := repo.NewMemoryPlanRepo()
	executions := repo.NewMemoryExecutionRepo()
	environments := repo.NewMemoryEnvironmentRepo()
	playbacks := repo.NewMemoryPlaybackRepo()

	agentDriver := driver.New(driver.Config{
		ConnectTimeout: time.Duration(cfg.SSH.ConnectTimeoutSeconds) * time.Second,
		LocalBinDir:    cfg.Agent.LocalBinDir,
		RemoteBaseDir:  cfg.Agent.RemoteTmpDir,
	}, log)

	workerLoader, seeded := seedWorkers(cfg.Workers)
	registry := worker.New(agentDriver, workerLoader, log)
	for _, w := range seeded {
		registry.Add(w)
	}
	log.Info("Seeded worker registry", zap.Int("workers", len(seeded)))

	statusStream := stream.NewHub(cfg.Stream.LogDir, log)
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go statusStream.Run(streamCtx)

	blobs, err := blob.New(cfg.Command.Path + "-blobs")
	if err != nil {
		log.Fatal("Failed to initialize blob store", zap.Error(err))
	}

	hostFn := func() string { return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port) }

	dispatcher := dispatch.New(plans, executions, environments, commands, registry, agentDriver, statusStream, hostFn, cfg.Command.EncryptBundles, log)

	recorder := playback.New(playbacks, executions, commands)

	taskBus, err := queue.NewTaskBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize task bus", zap.Error(err))
	}
	defer taskBus.Close()

	// Batch-ready notifications land in a priority queue rather than
	// dispatching inline, so a burst of arrivals is drained
	// highest-priority-first instead of strictly FIFO.
	pending := queue.NewBatchQueue(0)
	if err := taskBus.Subscribe("dispatchers", func(subCtx context.Context, msg queue.BatchReady) error {
		if err := pending.Enqueue(msg.PlanID, msg.TenantID, msg.Priority); err != nil && err != queue.ErrBatchExists {
			return err
		}
		return nil
	}); err != nil {
		log.Fatal("Failed to subscribe dispatcher to batch-ready notifications", zap.Error(err))
	}
	log.Info("Subscribed dispatcher to batch-ready notifications")

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for {
					qb := pending.Dequeue()
					if qb == nil {
						break
					}
					if err := dispatcher.Dispatch(ctx, qb.PlanID, qb.TenantID); err != nil {
						log.Error("dispatch batch", zap.String("plan_id", qb.PlanID), zap.Error(err))
					}
				}
			}
		}
	}()

	approvers := planapi.NewApproverTracker(cfg.Sync.RequiredApprovers, time.Duration(cfg.Sync.WaitTimeoutSeconds)*time.Second)

	callbackHandler := callback.NewHandler(plans, executions, environments, commands, blobs, statusStream, recorder, log)
	planHandler := planapi.NewHandler(plans, executions, commands, playbacks, recorder, taskBus, approvers, cfg.Command.Path+"-uploads", log)
	executionHandler := execapi.NewHandler(plans, executions, environments, taskBus, statusStream, recorder, log)
	wsHandler := stream.NewWSHandler(statusStream, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	callback.SetupRoutes(api, callbackHandler)
	planapi.SetupRoutes(api, planHandler)
	execapi.SetupRoutes(api, executionHandler)
	stream.SetupRoutes(router, wsHandler)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8084
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Behemoth dispatcher service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Behemoth dispatcher service stopped")
}
