// Package main implements governd, the long-running governance runtime
// core service: a thin HTTP surface over a resolver.Resolver, backed
// by pluggable TRACE storage.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"craruntime/internal/atlas"
	"craruntime/internal/governerr"
	"craruntime/internal/resolver"
	"craruntime/internal/trace"
)

// ServiceConfig is governd's process configuration, read from
// GOVERND_* env vars with flag overrides, following the teacher's
// MustLoadConfig pattern.
type ServiceConfig struct {
	ListenAddr   string
	TraceDSN     string // optional SQL storage DSN; empty means in-memory only
	AtlasDir     string // optional directory of *.json manifests to preload
	DefaultTTL   int
}

func mustLoadConfig(args []string) (ServiceConfig, []string) {
	remaining := initLogging(args)

	var cfg ServiceConfig
	fs := flag.NewFlagSet("governd", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", envOrDefault("GOVERND_ADDR", ":8090"), "HTTP listen address")
	fs.StringVar(&cfg.TraceDSN, "trace-dsn", envOrDefault("GOVERND_TRACE_DSN", ""), "SQL DSN for TRACE storage (postgres:// or postgresql:// selects PostgreSQL; anything else is a SQLite file path); empty keeps traces in memory")
	fs.StringVar(&cfg.AtlasDir, "atlas-dir", envOrDefault("GOVERND_ATLAS_DIR", ""), "directory of atlas manifest JSON files to preload at startup")
	fs.IntVar(&cfg.DefaultTTL, "default-ttl", resolver.DefaultTTLSeconds, "default CARPResolution TTL in seconds")

	if err := fs.Parse(remaining); err != nil {
		os.Exit(1)
	}
	return cfg, fs.Args()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg, _ := mustLoadConfig(os.Args[1:])

	opts := []resolver.Option{resolver.WithDefaultTTL(cfg.DefaultTTL)}

	var traceStore *trace.SQLStorage
	if cfg.TraceDSN != "" {
		store, err := trace.NewSQLStorage(trace.SQLStorageConfig{DSN: cfg.TraceDSN})
		if err != nil {
			slog.Error("failed to open trace store", "dsn", cfg.TraceDSN, "err", err)
			os.Exit(1)
		}
		traceStore = store
		opts = append(opts, resolver.WithTraceOnEmit(store.Persist))
	}

	res := resolver.New(opts...)

	if cfg.AtlasDir != "" {
		preloadAtlases(res, cfg.AtlasDir)
	}

	srv := &server{resolver: res}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/atlases", srv.handleLoadAtlas)
	mux.HandleFunc("DELETE /v1/atlases/{atlasID}", srv.handleUnloadAtlas)
	mux.HandleFunc("GET /v1/atlases", srv.handleListAtlases)

	mux.HandleFunc("POST /v1/sessions", srv.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{sessionID}/end", srv.handleEndSession)

	mux.HandleFunc("POST /v1/resolve", srv.handleResolve)
	mux.HandleFunc("POST /v1/execute", srv.handleExecute)

	mux.HandleFunc("GET /v1/sessions/{sessionID}/trace", srv.handleGetTrace)
	mux.HandleFunc("GET /v1/sessions/{sessionID}/verify", srv.handleVerifyChain)

	mux.HandleFunc("GET /health", srv.handleHealth)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down governance runtime service...")
		cancel()
		httpServer.Shutdown(context.Background())
	}()

	slog.Info("governance runtime service starting", "listen", cfg.ListenAddr, "atlas_dir", cfg.AtlasDir)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	if traceStore != nil {
		traceStore.Close()
	}
	slog.Info("governance runtime service stopped")
}

// preloadAtlases loads every *.json manifest in dir at startup,
// logging and continuing past individual failures rather than
// aborting the whole service.
func preloadAtlases(res *resolver.Resolver, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Error("failed to read atlas dir", "dir", dir, "err", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := dir + "/" + entry.Name()
		manifest, err := atlas.LoadManifestFile(path)
		if err != nil {
			slog.Warn("failed to load atlas manifest", "path", path, "err", err)
			continue
		}
		if err := res.LoadAtlas(manifest); err != nil {
			slog.Warn("failed to register atlas", "path", path, "atlas_id", manifest.AtlasID, "err", err)
			continue
		}
		slog.Info("preloaded atlas", "atlas_id", manifest.AtlasID, "path", path)
	}
}

type server struct {
	resolver *resolver.Resolver
}

func (s *server) handleLoadAtlas(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	manifest, err := atlas.LoadManifest(body)
	if err != nil {
		writeError(w, governerr.InvalidAtlasManifest(err.Error()))
		return
	}
	if err := s.resolver.LoadAtlas(manifest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"atlas_id": manifest.AtlasID})
}

func (s *server) handleUnloadAtlas(w http.ResponseWriter, r *http.Request) {
	atlasID := r.PathValue("atlasID")
	if err := s.resolver.UnloadAtlas(atlasID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListAtlases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"atlas_ids": s.resolver.ListAtlases()})
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string `json:"agent_id"`
		Goal         string `json:"goal"`
		AgentCardURL string `json:"agent_card_url,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, governerr.InvalidCARPRequest("invalid JSON body: "+err.Error()))
		return
	}

	var opts []resolver.SessionOption
	if req.AgentCardURL != "" {
		opts = append(opts, resolver.WithAgentCardURL(req.AgentCardURL))
	}

	sessionID, err := s.resolver.CreateSession(req.AgentID, req.Goal, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if err := s.resolver.EndSession(sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolver.CARPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, governerr.InvalidCARPRequest("invalid JSON body: "+err.Error()))
		return
	}
	resolution, err := s.resolver.Resolve(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID    string          `json:"session_id"`
		ResolutionID string          `json:"resolution_id"`
		ActionID     string          `json:"action_id"`
		Parameters   json.RawMessage `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, governerr.InvalidCARPRequest("invalid JSON body: "+err.Error()))
		return
	}
	result, err := s.resolver.Execute(req.SessionID, req.ResolutionID, req.ActionID, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}

func (s *server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	events, err := s.resolver.GetTrace(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	status, err := s.resolver.VerifyChain(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	gerr, ok := err.(*governerr.Error)
	if !ok {
		slog.Error("unexpected error", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, gerr.HTTPStatusCode(), gerr.ToErrorResponse())
}
