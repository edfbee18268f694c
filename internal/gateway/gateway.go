// Package gateway exposes the chat-input surface over HTTP: per-session
// attachment controllers, the upload and image entry points, an SSE stream
// for surface events, and the settings APIs.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsurface/internal/config"
	"chatsurface/internal/controller"
	"chatsurface/internal/domain"
	"chatsurface/internal/filter"
	"chatsurface/internal/metrics"
	"chatsurface/internal/settings"
)

const (
	maxFormSize       = 64 << 20 // generous; the remote size limit gates documents
	maxImageBody      = 10 << 20
	maxBodySize       = 1 << 20
	sessionCookieName = "chatsurface_session"
	sessionMaxAge     = 86400 * 30 // 30 days

	settingsTTL = time.Minute
)

// UploadHistory lists a session's persisted upload outcomes.
type UploadHistory interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.UploadRecord, error)
}

// Config wires the gateway.
type Config struct {
	Host    string
	Port    int
	Version string
	Logger  *slog.Logger

	AppConfig  *config.Config
	ConfigPath string

	Bus      domain.MessageBus
	Uploader domain.Uploader
	Waiter   domain.IndexWaiter
	Records  domain.UploadRecorder
	History  UploadHistory
	Settings *settings.Client
	Filter   *filter.Policy

	ClearOnSend    bool
	MaxImageWidth  int
	MaxImageHeight int

	MetricsEnabled  bool
	MetricsEndpoint string
}

// Gateway is the HTTP front of the surface.
type Gateway struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	// Config reference for settings API (protected by cfgMu)
	appCfg  *config.Config
	cfgPath string
	cfgMu   sync.RWMutex

	// One controller per session
	sessions   map[string]*controller.Controller
	sessionsMu sync.Mutex

	// SSE clients keyed by session ID for targeted delivery
	sseClients   map[string]chan any
	sseClientsMu sync.RWMutex

	// Cached remote settings
	remoteMu      sync.Mutex
	remote        settings.Remote
	remoteFetched time.Time
}

func New(cfg Config) *Gateway {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Filter == nil {
		cfg.Filter = filter.Default()
	}
	if cfg.MetricsEndpoint == "" {
		cfg.MetricsEndpoint = "/metrics"
	}

	return &Gateway{
		cfg:        cfg,
		logger:     cfg.Logger,
		appCfg:     cfg.AppConfig,
		cfgPath:    cfg.ConfigPath,
		sessions:   make(map[string]*controller.Controller),
		sseClients: make(map[string]chan any),
	}
}

// routes builds the HTTP mux.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", g.handleStatus)
	if g.cfg.MetricsEnabled {
		mux.Handle("GET "+g.cfg.MetricsEndpoint, metrics.Collector.Handler())
	}

	mux.HandleFunc("POST /api/send", g.handleSend)
	mux.HandleFunc("POST /api/upload", g.handleUpload)
	mux.HandleFunc("POST /api/attach/image", g.handleAttachImage)
	mux.HandleFunc("DELETE /api/attachment", g.handleRemoveAttachment)
	mux.HandleFunc("POST /api/error/dismiss", g.handleDismissError)
	mux.HandleFunc("GET /api/state", g.handleState)
	mux.HandleFunc("GET /api/stream", g.handleSSE)
	mux.HandleFunc("GET /api/uploads", g.handleUploadHistory)

	mux.HandleFunc("GET /api/settings", g.handleSettings)
	mux.HandleFunc("GET /api/env-mode", g.handleGetEnvMode)
	mux.HandleFunc("POST /api/env-mode", g.handleSetEnvMode)

	mux.HandleFunc("GET /api/config", g.handleGetConfig)
	mux.HandleFunc("PUT /api/config", g.handleUpdateConfig)
	mux.HandleFunc("POST /api/config/save", g.handleSaveConfig)

	return mux
}

// Start runs the server until ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.server = &http.Server{Addr: addr, Handler: g.routes()}

	g.logger.Info("gateway started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.server.Shutdown(shutdownCtx)
	}()

	if err := g.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the server and tears down all session controllers.
func (g *Gateway) Stop() error {
	g.sessionsMu.Lock()
	for _, ctrl := range g.sessions {
		ctrl.Close()
	}
	g.sessionsMu.Unlock()
	if g.server != nil {
		return g.server.Close()
	}
	return nil
}

// getOrCreateSession returns a persistent session ID from cookies.
// If no session exists, creates a new one and sets the cookie.
func (g *Gateway) getOrCreateSession(r *http.Request, rw http.ResponseWriter) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	b := make([]byte, 16)
	var sessionID string
	if _, err := rand.Read(b); err != nil {
		sessionID = fmt.Sprintf("sess_%d", time.Now().UnixNano())
		g.logger.Warn("rand.Read failed, using fallback session ID", "err", err)
	} else {
		sessionID = "sess_" + hex.EncodeToString(b)
	}

	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	g.logger.Info("new session created", "session", sessionID)
	return sessionID
}

// controllerFor returns the session's controller, creating it on first use.
func (g *Gateway) controllerFor(sessionID string) *controller.Controller {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()

	if ctrl, ok := g.sessions[sessionID]; ok {
		return ctrl
	}

	ctrl := controller.New(controller.Config{
		SessionID:      sessionID,
		Uploader:       g.cfg.Uploader,
		Waiter:         g.cfg.Waiter,
		Bus:            g.cfg.Bus,
		Records:        g.cfg.Records,
		Filter:         g.cfg.Filter,
		Logger:         g.logger,
		ClearOnSend:    g.cfg.ClearOnSend,
		MaxImageWidth:  g.cfg.MaxImageWidth,
		MaxImageHeight: g.cfg.MaxImageHeight,
		OYDEnabled: func() bool {
			return g.remoteSettings(context.Background()).OYDEnabled
		},
		OnDocumentIndexing: func(active bool) {
			g.sendSSE(sessionID, map[string]any{"type": "indexing", "active": active})
		},
		OnConversation: func(id string) {
			g.sendSSE(sessionID, map[string]any{"type": "conversation", "conversation_id": id})
		},
	})
	g.sessions[sessionID] = ctrl
	metrics.ActiveSessions.Set(int64(len(g.sessions)))

	// Route backend responses for this session to its SSE stream.
	g.cfg.Bus.OnDeliver(sessionID, func(msg domain.DeliveredMessage) {
		g.sendSSE(sessionID, map[string]any{"type": "message", "content": msg.Content})
	})

	return ctrl
}

// remoteSettings returns cached backend settings, refreshing at most once
// per settingsTTL. A failed refresh keeps the last known values.
func (g *Gateway) remoteSettings(ctx context.Context) settings.Remote {
	g.remoteMu.Lock()
	defer g.remoteMu.Unlock()

	if g.cfg.Settings == nil || time.Since(g.remoteFetched) < settingsTTL {
		return g.remote
	}

	remote, err := g.cfg.Settings.Fetch(ctx)
	if err != nil {
		g.logger.Warn("settings refresh failed, keeping last known", "err", err)
		g.remoteFetched = time.Now()
		return g.remote
	}
	g.remote = remote
	g.remoteFetched = time.Now()
	return g.remote
}

func (g *Gateway) handleStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":  "ok",
		"version": g.cfg.Version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleSend(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	sessionID := g.getOrCreateSession(r, rw)
	ctrl := g.controllerFor(sessionID)

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&payload); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	ctrl.UpdateText(payload.Text)
	err := ctrl.Send(r.Context())
	switch {
	case err == nil:
		json.NewEncoder(rw).Encode(map[string]string{"status": "sent"})
	case errors.Is(err, controller.ErrIndexingInFlight), errors.Is(err, controller.ErrUploadInFlight):
		rw.WriteHeader(http.StatusConflict)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
	case errors.Is(err, controller.ErrNotSendable):
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
	default:
		g.logger.Error("send failed", "session", sessionID, "err", err)
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
	}
}

func (g *Gateway) handleUpload(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	sessionID := g.getOrCreateSession(r, rw)
	ctrl := g.controllerFor(sessionID)

	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "invalid multipart form: " + err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "missing file field"})
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")

	// The transfer outlives this request; its outcome arrives over SSE.
	if err := ctrl.AttachDocument(context.WithoutCancel(r.Context()), header.Filename, mimeType, header.Size, file); err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}

	if snap := ctrl.Snapshot(); snap.Phase == controller.PhaseIdle && snap.ErrorText != "" {
		// Rejected by the file-type policy: reported in-band, not fatal.
		json.NewEncoder(rw).Encode(map[string]string{"status": "rejected", "error": snap.ErrorText})
		return
	}

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "uploading", "name": header.Filename})
}

func (g *Gateway) handleAttachImage(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	sessionID := g.getOrCreateSession(r, rw)
	ctrl := g.controllerFor(sessionID)

	if err := r.ParseMultipartForm(maxImageBody); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "invalid multipart form: " + err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "missing file field"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxImageBody))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "read file: " + err.Error()})
		return
	}

	mimeType := header.Header.Get("Content-Type")
	err = ctrl.AttachImage(header.Filename, mimeType, data)
	switch {
	case err == nil:
		snap := ctrl.Snapshot()
		if snap.ErrorText != "" {
			// Rejected (undecodable or wrong type): reported in-band, not fatal.
			json.NewEncoder(rw).Encode(map[string]string{"status": "rejected", "error": snap.ErrorText})
			return
		}
		json.NewEncoder(rw).Encode(map[string]string{"status": "attached", "name": header.Filename})
	case errors.Is(err, controller.ErrImageAttachDisabled):
		rw.WriteHeader(http.StatusForbidden)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
	default:
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
	}
}

func (g *Gateway) handleRemoveAttachment(rw http.ResponseWriter, r *http.Request) {
	sessionID := g.getOrCreateSession(r, rw)
	g.controllerFor(sessionID).RemoveAttachment()
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]string{"status": "removed"})
}

func (g *Gateway) handleDismissError(rw http.ResponseWriter, r *http.Request) {
	sessionID := g.getOrCreateSession(r, rw)
	g.controllerFor(sessionID).DismissError()
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]string{"status": "dismissed"})
}

func (g *Gateway) handleState(rw http.ResponseWriter, r *http.Request) {
	sessionID := g.getOrCreateSession(r, rw)
	ctrl := g.controllerFor(sessionID)
	snap := ctrl.Snapshot()

	out := map[string]any{
		"phase":           snap.Phase,
		"conversation_id": snap.ConversationID,
		"error":           snap.ErrorText,
		"text":            ctrl.Text(),
	}
	if snap.Attachment != nil {
		out["attachment"] = map[string]any{
			"kind":  snap.Attachment.Kind,
			"name":  snap.Attachment.Name,
			"state": snap.Attachment.State,
		}
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(out)
}

func (g *Gateway) handleSSE(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := g.getOrCreateSession(r, rw)
	g.controllerFor(sessionID)

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	ch := make(chan any, 10)

	g.sseClientsMu.Lock()
	g.sseClients[sessionID] = ch
	g.sseClientsMu.Unlock()
	metrics.SSEConnections.Inc()

	defer func() {
		g.sseClientsMu.Lock()
		if existing, ok := g.sseClients[sessionID]; ok && existing == ch {
			delete(g.sseClients, sessionID)
		}
		g.sseClientsMu.Unlock()
		metrics.SSEConnections.Dec()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			data, _ := json.Marshal(event)
			fmt.Fprintf(rw, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleUploadHistory(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	if g.cfg.History == nil {
		rw.WriteHeader(http.StatusNotFound)
		json.NewEncoder(rw).Encode(map[string]string{"error": "upload history is not enabled"})
		return
	}

	sessionID := g.getOrCreateSession(r, rw)
	recs, err := g.cfg.History.ListBySession(r.Context(), sessionID, 50)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []domain.UploadRecord{}
	}
	json.NewEncoder(rw).Encode(recs)
}

func (g *Gateway) handleSettings(rw http.ResponseWriter, r *http.Request) {
	remote := g.remoteSettings(r.Context())
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]any{
		"upload_max_filesize": remote.UploadMaxFilesizeMB,
		"polling_interval":    remote.PollingIntervalSec,
		"oyd_enabled":         remote.OYDEnabled,
	})
}

func (g *Gateway) handleGetEnvMode(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	if g.cfg.Settings == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "backend not configured"})
		return
	}

	custom, err := g.cfg.Settings.EnvMode(r.Context())
	if err != nil {
		rw.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(rw).Encode(map[string]bool{"isCustomMode": custom})
}

func (g *Gateway) handleSetEnvMode(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	if g.cfg.Settings == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "backend not configured"})
		return
	}

	var payload struct {
		IsCustomMode bool `json:"isCustomMode"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&payload); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	if err := g.cfg.Settings.SetEnvMode(r.Context(), payload.IsCustomMode); err != nil {
		rw.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(rw).Encode(map[string]any{"status": "updated", "isCustomMode": payload.IsCustomMode})
}

func (g *Gateway) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	g.cfgMu.RLock()
	cfg := g.appCfg
	g.cfgMu.RUnlock()

	if cfg == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "config not loaded"})
		return
	}
	json.NewEncoder(rw).Encode(config.Sanitize(cfg))
}

func (g *Gateway) handleUpdateConfig(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()

	if g.appCfg == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "config not loaded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "read body: " + err.Error()})
		return
	}
	defer r.Body.Close()

	// Partial update: { "path": "surface.clearOnSend", "value": "false" }
	var partial struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(body, &partial); err == nil && partial.Path != "" {
		if err := config.SetByPath(g.appCfg, partial.Path, partial.Value); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
			return
		}
		if err := config.Validate(g.appCfg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "validation: " + err.Error()})
			return
		}
		g.logger.Info("config updated via path", "path", partial.Path, "value", partial.Value)
		json.NewEncoder(rw).Encode(map[string]string{"status": "updated", "path": partial.Path})
		return
	}

	// Full config update — unmarshal into a temporary copy first, then validate
	var candidate config.Config
	if err := json.Unmarshal(body, &candidate); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "invalid config: " + err.Error()})
		return
	}
	if err := config.Validate(&candidate); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "validation: " + err.Error()})
		return
	}
	*g.appCfg = candidate

	g.logger.Info("config updated (full)")
	json.NewEncoder(rw).Encode(map[string]string{"status": "updated"})
}

func (g *Gateway) handleSaveConfig(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	g.cfgMu.RLock()
	cfg := g.appCfg
	cfgPath := g.cfgPath
	g.cfgMu.RUnlock()

	if cfg == nil || cfgPath == "" {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "config not available"})
		return
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": "save failed: " + err.Error()})
		return
	}

	g.logger.Info("config saved to disk", "path", cfgPath)
	json.NewEncoder(rw).Encode(map[string]string{"status": "saved", "path": cfgPath})
}

// sendSSE delivers an event to the SSE client that owns the given session ID.
func (g *Gateway) sendSSE(sessionID string, event any) {
	g.sseClientsMu.RLock()
	ch, ok := g.sseClients[sessionID]
	g.sseClientsMu.RUnlock()
	if ok {
		select {
		case ch <- event:
		default:
		}
	}
}
