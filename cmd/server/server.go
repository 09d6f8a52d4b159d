// Package server runs the HTTP surface of the kernel: a synchronous chat
// endpoint, per-session cancellation, an SSE event stream and history replay
// from the sqlite store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maghams62/auto-mac/internal/llm"
	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/database"
	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/executor"
	"github.com/maghams62/auto-mac/pkg/finalizer"
	"github.com/maghams62/auto-mac/pkg/logger"
	"github.com/maghams62/auto-mac/pkg/orchestrator"
	"github.com/maghams62/auto-mac/pkg/planner"
	"github.com/maghams62/auto-mac/pkg/reflector"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/tools"
	"github.com/maghams62/auto-mac/pkg/trace"
	"github.com/maghams62/auto-mac/pkg/validator"
	"github.com/maghams62/auto-mac/pkg/verifier"
)

// ServerCmd starts the kernel's HTTP server.
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the agent HTTP server",
	Long: `Start the HTTP server that fronts the orchestration kernel.

Endpoints:
  POST /chat                       run one request to completion
  POST /cancel                     cancel a session's live interaction
  GET  /events?session_id=...      live SSE event stream
  GET  /sessions                   stored session listing
  GET  /sessions/{id}/events       event replay for one session
  GET  /sessions/{id}/interactions interaction summaries

Examples:
  auto-mac server                  # default port 8080
  auto-mac server --port 9000`,
	Run: runServer,
}

func init() {
	ServerCmd.Flags().Int("port", 8080, "listen port")
	ServerCmd.Flags().String("host", "0.0.0.0", "listen host")
	ServerCmd.Flags().String("db-path", "data/history.db", "sqlite history database path")
	ServerCmd.Flags().String("trace-dir", "data/traces", "reasoning trace directory")
	ServerCmd.Flags().String("output-dir", "", "directory for produced documents")

	viper.BindPFlag("server.port", ServerCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", ServerCmd.Flags().Lookup("host"))
	viper.BindPFlag("database.path", ServerCmd.Flags().Lookup("db-path"))
	viper.BindPFlag("reasoning_trace.dir", ServerCmd.Flags().Lookup("trace-dir"))
	viper.BindPFlag("tools.output_dir", ServerCmd.Flags().Lookup("output-dir"))

	viper.SetDefault("reasoning_trace.enabled", true)
	viper.SetDefault("memory.write_behind_interval_seconds", 30)
	viper.SetDefault("executor.max_parallel_steps", 4)
	viper.SetDefault("executor.step_timeout_default", 120)
	viper.SetDefault("planner.exemplar_token_budget", 2000)
	viper.SetDefault("planner.max_parse_retries", 2)
	viper.SetDefault("reflector.max_retries", 2)
	viper.SetDefault("validator.notify_repairs", true)
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Request   string `json:"request"`
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

// API is the HTTP server around the kernel.
type API struct {
	kernel   *orchestrator.Kernel
	bus      *events.Bus
	store    *database.SQLiteStore
	sessions *trace.Manager
	logger   utils.ExtendedLogger

	// busy rejects overlapping requests per session before the trace layer
	// would anyway, so the client gets a clean 409.
	busyMu sync.Mutex
	busy   map[string]bool
}

func runServer(cmd *cobra.Command, _ []string) {
	log, err := logger.CreateLogger(
		viper.GetString("log-file"),
		viper.GetString("log-level"),
		viper.GetString("log-format"),
		true,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	api, cleanup, err := buildAPI(log)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}
	defer cleanup()

	addr := viper.GetString("server.host") + ":" + strconv.Itoa(viper.GetInt("server.port"))
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
	}

	go func() {
		log.Infof("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
}

// buildAPI wires the whole kernel from viper configuration.
func buildAPI(log logger.Logger) (*API, func(), error) {
	model, err := llm.InitializeLLM(llm.Config{
		Provider:    llm.Provider(viper.GetString("llm.provider")),
		ModelID:     viper.GetString("llm.model"),
		Temperature: viper.GetFloat64("llm.temperature"),
		Logger:      log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	reg := registry.New()
	if err := tools.RegisterBuiltins(reg, tools.Config{
		OutputDir: viper.GetString("tools.output_dir"),
	}, log); err != nil {
		return nil, nil, fmt.Errorf("failed to register tools: %w", err)
	}

	store, err := database.NewSQLiteStore(viper.GetString("database.path"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history store: %w", err)
	}

	bus := events.NewBus(store, log)
	sessions := trace.NewManager(trace.ManagerConfig{
		Dir:           viper.GetString("reasoning_trace.dir"),
		Enabled:       viper.GetBool("reasoning_trace.enabled"),
		FlushInterval: time.Duration(viper.GetInt("memory.write_behind_interval_seconds")) * time.Second,
	}, log)

	index := buildExemplarIndex(log)

	plannerConfig := planner.Config{
		MaxParseRetries:     viper.GetInt("planner.max_parse_retries"),
		ExemplarTokenBudget: viper.GetInt("planner.exemplar_token_budget"),
	}
	p := planner.New(model, reg, index, plannerConfig, log)

	kernel := orchestrator.New(orchestrator.Deps{
		Planner:   p,
		Validator: validator.New(reg, log),
		Executor: executor.New(reg, sessions, bus, executor.Config{
			MaxParallel:        viper.GetInt("executor.max_parallel_steps"),
			DefaultStepTimeout: time.Duration(viper.GetInt("executor.step_timeout_default")) * time.Second,
		}, log),
		Verifier: verifier.New(model, reg, bus, log),
		Reflector: reflector.New(p, sessions, reflector.Config{
			RetryBudget: viper.GetInt("reflector.max_retries"),
		}, log),
		Finalizer: finalizer.New(reg, sessions, bus, log),
		Registry:  reg,
		Sessions:  sessions,
		Bus:       bus,
		Logger:    log,
	}, orchestrator.Config{
		NotifyRepairs: viper.GetBool("validator.notify_repairs"),
	})

	api := &API{
		kernel:   kernel,
		bus:      bus,
		store:    store,
		sessions: sessions,
		logger:   log,
		busy:     make(map[string]bool),
	}
	cleanup := func() {
		sessions.Close()
		bus.Close()
		store.Close()
	}
	return api, cleanup, nil
}

// buildExemplarIndex returns the qdrant-backed index when configured, nil
// otherwise. The planner treats a nil index as "no exemplars".
func buildExemplarIndex(log logger.Logger) planner.Index {
	host := os.Getenv("QDRANT_URL")
	if host == "" {
		return nil
	}
	collection := viper.GetString("planner.exemplar_collection")
	if collection == "" {
		collection = "plan_exemplars"
	}
	embedder, err := llm.NewOpenAIEmbedder("")
	if err != nil {
		log.Warnf("exemplar index unavailable: %v", err)
		return nil
	}
	index, err := planner.NewQdrantIndex(planner.QdrantIndexConfig{
		Host:       host,
		Collection: collection,
	}, embedder, log)
	if err != nil {
		log.Warnf("exemplar index unavailable: %v", err)
		return nil
	}
	return index
}

func (a *API) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.HandleFunc("/chat", a.handleChat).Methods("POST")
	r.HandleFunc("/cancel", a.handleCancel).Methods("POST")
	r.HandleFunc("/events", a.handleEvents).Methods("GET")
	r.HandleFunc("/sessions", a.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}/events", a.handleSessionEvents).Methods("GET")
	r.HandleFunc("/sessions/{id}/interactions", a.handleSessionInteractions).Methods("GET")
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Request == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty request")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if !a.acquire(req.SessionID) {
		writeError(w, http.StatusConflict, "session already has a live interaction")
		return
	}
	defer a.release(req.SessionID)

	reply, err := a.kernel.HandleRequest(r.Context(), req.SessionID, req.Request)
	if err != nil {
		a.logger.Errorf("chat request failed for %s: %v", req.SessionID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"reply":      reply,
	})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a session_id")
		return
	}
	cancelled := a.kernel.Cancel(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"cancelled":  cancelled,
	})
}

// handleEvents streams live events over SSE until the client disconnects.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	sub := a.bus.Subscribe(sessionID)
	defer a.bus.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: connected\ndata: {\"observer_id\":%q}\n\n", sub.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				a.logger.Warnf("failed to marshal event %s: %v", ev.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	sessions, total, err := a.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	limit, offset := pagination(r)
	rows, err := a.store.GetEventsBySession(r.Context(), sessionID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"events":     rows,
	})
}

func (a *API) handleSessionInteractions(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	rows, err := a.store.ListInteractions(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   sessionID,
		"interactions": rows,
	})
}

func (a *API) acquire(sessionID string) bool {
	a.busyMu.Lock()
	defer a.busyMu.Unlock()
	if a.busy[sessionID] {
		return false
	}
	a.busy[sessionID] = true
	return true
}

func (a *API) release(sessionID string) {
	a.busyMu.Lock()
	delete(a.busy, sessionID)
	a.busyMu.Unlock()
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
