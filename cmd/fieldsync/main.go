// Command fieldsync runs the offline-first sync core as a local bridge
// process. The mobile/desktop shell talks to it over a loopback HTTP
// API and receives sync events over a WebSocket.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldhq/fieldsync/internal/api"
	"github.com/fieldhq/fieldsync/internal/cache"
	"github.com/fieldhq/fieldsync/internal/config"
	"github.com/fieldhq/fieldsync/internal/dispatch"
	"github.com/fieldhq/fieldsync/internal/logging"
	"github.com/fieldhq/fieldsync/internal/media"
	"github.com/fieldhq/fieldsync/internal/netmon"
	"github.com/fieldhq/fieldsync/internal/notify"
	"github.com/fieldhq/fieldsync/internal/queue"
	"github.com/fieldhq/fieldsync/internal/store"
	syncpkg "github.com/fieldhq/fieldsync/internal/sync"
)

// Version is set at build time.
var Version = "0.1.0"

// app bundles the wired core for the HTTP handlers.
type app struct {
	mutations   *queue.MutationStore
	photos      *queue.PhotoStore
	readCache   *cache.Store
	client      api.Client
	monitor     *netmon.Monitor
	state       *syncpkg.State
	coordinator *syncpkg.Coordinator
	hub         *notify.Hub
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("failed to load configuration", err, nil)
		os.Exit(1)
	}

	level := logging.LevelInfo
	if cfg.Server.LogLevel == "debug" {
		level = logging.LevelDebug
	}
	logging.Init(os.Stdout, level)
	logging.Info("fieldsync core starting", map[string]interface{}{"version": Version})

	kv, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		logging.Error("failed to open storage", err, nil)
		os.Exit(1)
	}
	defer kv.Close()

	ctx := context.Background()

	mutations := queue.NewMutationStore(kv, cfg.Queue.DuplicateWindow)
	photos := queue.NewPhotoStore(kv)
	if err := mutations.Restore(ctx); err != nil {
		logging.Warn("mutation queue restore incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := photos.Restore(ctx); err != nil {
		logging.Warn("photo queue restore incomplete", map[string]interface{}{"error": err.Error()})
	}

	readCache := cache.NewStore(kv, cfg.Cache.StaleAfter)
	client := api.NewHTTPClient(cfg.API.BaseURL, cfg.API.Timeout)
	monitor := netmon.NewMonitor()

	backoff := dispatch.Backoff{
		Base:   cfg.Queue.BackoffBase,
		Cap:    cfg.Queue.BackoffCap,
		Jitter: cfg.Queue.BackoffJitter,
	}
	dispatcher := dispatch.NewDispatcher(mutations, client, monitor.Online, cfg.Queue.MaxRetries, backoff)

	compressor := media.NewCompressor(
		cfg.Upload.CompressThreshold,
		cfg.Upload.MaxUploadBytes,
		cfg.Upload.MaxEdge,
		cfg.Upload.JPEGQuality,
	)
	uploader := dispatch.NewUploader(photos, client, compressor, readCache, monitor.Online, cfg.Upload.MaxAttempts)

	hub := notify.NewHub()
	defer hub.Close()

	state := syncpkg.NewState(kv)
	state.Restore(ctx)

	coordinator := syncpkg.NewCoordinator(state, dispatcher, uploader, readCache, hub, cfg.Sync.StabilizationWindow)
	coordinator.Watch(monitor)
	defer coordinator.Stop()

	a := &app{
		mutations:   mutations,
		photos:      photos,
		readCache:   readCache,
		client:      client,
		monitor:     monitor,
		state:       state,
		coordinator: coordinator,
		hub:         hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mutations", a.EnqueueMutation)
	mux.HandleFunc("POST /mutations/retry", a.RetryFailedMutations)
	mux.HandleFunc("GET /queue", a.QueueStatus)
	mux.HandleFunc("POST /jobs/photos", a.EnqueuePhotos)
	mux.HandleFunc("POST /photos/retry", a.RetryJobPhotos)
	mux.HandleFunc("POST /reads", a.CachedRead)
	mux.HandleFunc("POST /connectivity", a.ReportConnectivity)
	mux.HandleFunc("GET /sync/status", a.SyncStatus)
	mux.HandleFunc("POST /sync", a.TriggerSync)
	mux.HandleFunc("POST /logout", a.Logout)
	mux.HandleFunc("GET /ws", a.hub.ServeWS)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		logging.Info("bridge listening", map[string]interface{}{"addr": cfg.Server.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("bridge server failed", err, nil)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
