// Package main provides the HTTP API server for the local-first entity store and its outbox.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/jnst/lume-outbox/internal/bootstrap"
	"github.com/jnst/lume-outbox/internal/config"
	"github.com/jnst/lume-outbox/internal/logger"
	"github.com/jnst/lume-outbox/internal/model"
	"github.com/jnst/lume-outbox/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	failedToEncodeResponse = "failed to encode response"
	shutdownTimeout        = 10 * time.Second
	signalBufferSize       = 1
	exitCode               = 1
)

// Syncer runs the outbox on request.
type Syncer interface {
	Trigger(ctx context.Context, userID string) (*model.RunSummary, error)
}

// ConnectivitySetter lets the host application report network changes.
type ConnectivitySetter interface {
	SetOnline(online bool)
}

// APIServer handles HTTP requests for entities and outbox operations.
type APIServer struct {
	entityService service.EntityService
	housekeeping  service.HousekeepingService
	syncer        Syncer
	connectivity  ConnectivitySetter
}

// NewAPIServer creates a new API server instance. connectivity may be nil
// when the network state is probed.
func NewAPIServer(
	entityService service.EntityService,
	housekeeping service.HousekeepingService,
	syncer Syncer,
	connectivity ConnectivitySetter,
) *APIServer {
	return &APIServer{
		entityService: entityService,
		housekeeping:  housekeeping,
		syncer:        syncer,
		connectivity:  connectivity,
	}
}

// Routes registers every endpoint.
func (s *APIServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /entities/{kind}", s.CreateEntity)
	mux.HandleFunc("GET /entities/{kind}/{id}", s.GetEntity)
	mux.HandleFunc("PUT /entities/{kind}/{id}", s.UpdateEntity)
	mux.HandleFunc("DELETE /entities/{kind}/{id}", s.DeleteEntity)
	mux.HandleFunc("POST /sync", s.Sync)
	mux.HandleFunc("GET /outbox/failed", s.ListFailed)
	mux.HandleFunc("GET /outbox/{id}", s.GetEvent)
	mux.HandleFunc("POST /outbox/{id}/retry", s.RetryEvent)
	mux.HandleFunc("DELETE /outbox/{id}", s.DiscardEvent)
	mux.HandleFunc("PUT /connectivity", s.SetConnectivity)
	mux.HandleFunc("GET /health", s.HealthCheck)

	return mux
}

type entityRequest struct {
	UserID   string          `json:"user_id"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

func decodeEntityRequest(r *http.Request) (model.EntityKind, *entityRequest, model.Metadata, error) {
	kind, err := model.ParseEntityKind(r.PathValue("kind"))
	if err != nil {
		return "", nil, nil, err
	}

	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", nil, nil, errInvalidJSON
	}

	if len(req.Payload) == 0 {
		return "", nil, nil, model.ErrPayloadRequired
	}

	payload, err := model.UnmarshalPayload(kind, req.Payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", errInvalidJSON, err)
	}

	return kind, &req, payload, nil
}

var errInvalidJSON = errors.New("invalid JSON")

// CreateEntity handles POST /entities/{kind}.
func (s *APIServer) CreateEntity(w http.ResponseWriter, r *http.Request) {
	_, req, payload, err := decodeEntityRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entity, err := s.entityService.Create(r.Context(), &model.CreateEntityParams{
		UserID:   req.UserID,
		Payload:  payload,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entity)
}

// GetEntity handles GET /entities/{kind}/{id}.
func (s *APIServer) GetEntity(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseEntityKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	entity, err := s.entityService.Get(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entity)
}

// UpdateEntity handles PUT /entities/{kind}/{id}.
func (s *APIServer) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	_, req, payload, err := decodeEntityRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entity, err := s.entityService.Update(r.Context(), &model.UpdateEntityParams{
		UserID:   req.UserID,
		EntityID: r.PathValue("id"),
		Payload:  payload,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entity)
}

// DeleteEntity handles DELETE /entities/{kind}/{id}?user_id=.
func (s *APIServer) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseEntityKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.entityService.Delete(r.Context(), kind, r.URL.Query().Get("user_id"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sync handles POST /sync?user_id= and waits for the run to finish.
func (s *APIServer) Sync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.syncer.Trigger(r.Context(), r.URL.Query().Get("user_id"))
	if errors.Is(err, model.ErrReauthenticationRequired) {
		writeJSON(w, http.StatusUnauthorized, summary)
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListFailed handles GET /outbox/failed?user_id=&limit=.
func (s *APIServer) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}

		limit = n
	}

	events, err := s.housekeeping.FailedEvents(r.Context(), model.FailedQuery{
		UserID: r.URL.Query().Get("user_id"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if events == nil {
		events = []*model.OutboxEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /outbox/{id}.
func (s *APIServer) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.housekeeping.Event(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// RetryEvent handles POST /outbox/{id}/retry.
func (s *APIServer) RetryEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.housekeeping.Retry(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// DiscardEvent handles DELETE /outbox/{id}.
func (s *APIServer) DiscardEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.housekeeping.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetConnectivity handles PUT /connectivity in manual connectivity mode.
func (s *APIServer) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.connectivity == nil {
		http.Error(w, "Connectivity is probed automatically", http.StatusConflict)
		return
	}

	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	s.connectivity.SetOnline(*body.Online)
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, err error) {
	var verrs validation.Errors

	switch {
	case errors.Is(err, model.ErrEntityNotFound), errors.Is(err, model.ErrEventNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errInvalidJSON),
		errors.Is(err, model.ErrInvalidUserID),
		errors.Is(err, model.ErrPayloadRequired),
		errors.Is(err, model.ErrUnknownEntityKind),
		errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, model.ErrMetadataMismatch),
		errors.As(err, &verrs):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping API server")
		cancel()
	}()

	return ctx, cancel
}

func main() {
	// 環境変数読み込み
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	// ログ設定
	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	ctx, cancel := setupSignalHandling()
	defer cancel()

	// 依存関係注入
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer app.Close()

	var manual ConnectivitySetter
	if app.Manual != nil {
		manual = app.Manual
	}

	server := NewAPIServer(app.EntityService, app.Housekeeping, app.Runner, manual)

	app.Start(ctx)

	// サーバー起動
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down server", slog.String("error", err.Error()))
		}
	}()

	slog.Info("starting API server",
		slog.String("service", "api"),
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreDriver),
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to start server", slog.String("error", err.Error()))
		return
	}
}
