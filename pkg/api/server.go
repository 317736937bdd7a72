package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/visionq/visionq/pkg/config"
	"github.com/visionq/visionq/pkg/dispatch"
	"github.com/visionq/visionq/pkg/events"
	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/metrics"
	"github.com/visionq/visionq/pkg/pool"
	"github.com/visionq/visionq/pkg/queue"
	"github.com/visionq/visionq/pkg/storage"
	"github.com/visionq/visionq/pkg/types"
)

// maxMultipartMemory bounds the in-memory portion of a multipart parse;
// larger parts spill to temp files.
const maxMultipartMemory = 64 << 20

// Deps are the collaborators the server routes requests to. Queue,
// Runner, Ingestor, and Ledger may be nil when the distributed path is
// not configured.
type Deps struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Ingestor   *dispatch.Ingestor
	Pool       *pool.Pool
	Store      *storage.ShardStore
	Objects    storage.ObjectStore
	Queue      *queue.Queue
	Runner     *queue.Runner
	Health     *metrics.HealthChecker
}

// Server is the HTTP surface: the two streaming endpoints, health,
// worker bootstrap, and metrics.
type Server struct {
	deps   Deps
	router *mux.Router
	http   *http.Server
	logger zerolog.Logger

	mu           sync.Mutex
	runnerCancel context.CancelFunc
	runnerDone   chan struct{}
}

// NewServer wires the router over its collaborators.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)
	s.router.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/worker", s.handleWorkerStart).Methods(http.MethodPost)
	s.router.HandleFunc("/worker", s.handleWorkerStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains the HTTP server and stops a running worker, if any.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.runnerCancel
	done := s.runnerDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// handleProcess runs the in-process batch pipeline, streaming events
// for the request's lifetime.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	items, err := parseBatch(r)
	stream := events.NewStream(w)
	if err != nil {
		// A bad form aborts the whole batch with a single error event.
		stream.Send(events.Fatal(err.Error()))
		return
	}
	s.deps.Dispatcher.ProcessBatch(r.Context(), items, stream)
}

// handleIngest runs the bulk-upload pipeline.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		http.Error(w, "ingest path is not configured", http.StatusServiceUnavailable)
		return
	}

	items, err := parseBatch(r)
	stream := events.NewStream(w)
	if err != nil {
		stream.Send(events.Fatal(err.Error()))
		return
	}

	batchSize := 0
	if v := r.FormValue("batchSize"); v != "" {
		fmt.Sscanf(v, "%d", &batchSize)
	}
	s.deps.Ingestor.Ingest(r.Context(), dispatch.IngestRequest{
		Dataset:   r.FormValue("datasetName"),
		BatchSize: batchSize,
		Priority:  types.Priority(r.FormValue("priority")),
		Items:     items,
	}, stream)
}

// handleHealth reports aggregate dependency health: 200 when every
// probe passes, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// workerStatus is the GET /worker payload.
type workerStatus struct {
	Running    bool              `json:"running"`
	WorkerID   string            `json:"workerId,omitempty"`
	Partitions []int             `json:"partitions,omitempty"`
	Depths     map[string]int64  `json:"queueDepth,omitempty"`
	Health     map[string]string `json:"checks,omitempty"`
}

// handleWorkerStart bootstraps the worker loop from the configured
// WORKER_ID and partition set.
func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		http.Error(w, "worker mode is not configured", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runnerCancel != nil {
		http.Error(w, "worker already running", http.StatusConflict)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.runnerCancel = cancel
	s.runnerDone = done

	go func() {
		defer close(done)
		if err := s.deps.Runner.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("worker loop exited with error")
		}
		s.mu.Lock()
		s.runnerCancel = nil
		s.runnerDone = nil
		s.mu.Unlock()
	}()

	s.logger.Info().
		Str("worker", s.deps.Config.WorkerID).
		Ints("partitions", s.deps.Config.WorkerPartitions).
		Msg("worker started via api")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "started",
		"workerId":   s.deps.Config.WorkerID,
		"partitions": s.deps.Config.WorkerPartitions,
	})
}

// handleWorkerStatus reports worker liveness and per-priority queue
// depth for the owned partitions.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.runnerCancel != nil
	s.mu.Unlock()

	status := workerStatus{
		Running:    running,
		WorkerID:   s.deps.Config.WorkerID,
		Partitions: s.deps.Config.WorkerPartitions,
		Health:     s.deps.Health.Check(r.Context()).Checks,
	}

	if s.deps.Queue != nil && len(s.deps.Config.WorkerPartitions) > 0 {
		depths, err := s.deps.Queue.Depth(r.Context(), s.deps.Config.WorkerPartitions)
		if err == nil {
			status.Depths = make(map[string]int64, len(depths))
			for prio, n := range depths {
				status.Depths[string(prio)] = n
			}
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleStats reports shard and worker-table snapshots.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Store.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"partitions": stats.Partitions,
		"totalItems": stats.TotalItems,
		"totalBytes": stats.TotalBytes,
		"workers":    s.deps.Pool.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
