// Package mockserver is a development stand-in for the fall-detection
// backend. It speaks the same WebSocket and REST protocol as the real
// service, simulates a wearer's walking and idle phases, and injects
// falls on a timer so the whole alert path can be exercised locally.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/walkerholic/fallwatch/internal/client"
)

// Options configures a Server.
type Options struct {
	Interval  time.Duration // telemetry period per user
	FallEvery time.Duration // zero disables automatic falls
	Window    time.Duration // unanswered fall to declared emergency
	Seed      int64
	Logger    *slog.Logger
}

// Server serves /ws/{user_id}, the emergency REST endpoints and /health.
type Server struct {
	hub    *Hub
	em     *emergencies
	gen    *Generator
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a server. Call Start to begin generating telemetry.
func New(opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	logger := opts.Logger.With("component", "mockserver")
	hub := NewHub(logger)
	em := newEmergencies()
	return &Server{
		hub:    hub,
		em:     em,
		gen:    newGenerator(hub, em, opts),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Generator exposes the telemetry generator.
func (s *Server) Generator() *Generator { return s.gen }

// Hub exposes the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the generator until ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.gen.Start(ctx)
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/{user_id}", s.handleWS)
	api := r.PathPrefix("/api/walking").Subrouter()
	api.HandleFunc("/emergency/{user_id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/emergency/{user_id}/confirm-help-needed", s.handleConfirmHelp).Methods(http.MethodPost)
	api.HandleFunc("/user/{user_id}/current-emergency", s.handleCurrentEmergency).Methods(http.MethodGet)
	r.HandleFunc("/api/mock/fall/{user_id}", s.handleInjectFall).Methods(http.MethodPost)
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	s.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("mock backend listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	p := s.hub.Add(user, conn)
	s.logger.Info("client connected", "user", user, "remote", r.RemoteAddr)
	s.hub.SendTo(user, map[string]any{
		"type": client.MsgConnectionEstablished,
		"data": map[string]any{
			"user_id":       user,
			"current_state": s.gen.currentLabel(user),
			"message":       "connection established",
		},
	})

	go func() {
		defer func() {
			s.hub.Remove(p)
			s.logger.Info("client disconnected", "user", user)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleFrame(user, data)
		}
	}()
}

// handleFrame answers one inbound client frame.
func (s *Server) handleFrame(user string, data []byte) {
	if !gjson.ValidBytes(data) {
		s.logger.Debug("ignoring malformed frame", "user", user)
		return
	}
	frame := gjson.ParseBytes(data)
	switch {
	case frame.Get("type").String() == string(client.MsgHealthCheck):
		s.hub.SendTo(user, map[string]any{
			"type": client.MsgHealthCheckResponse,
			"data": map[string]any{"status": "healthy", "timestamp": s.now().Format(time.RFC3339)},
		})

	case frame.Get("accel").Exists():
		s.hub.SendTo(user, map[string]any{
			"type": client.MsgIMUDataReceived,
			"data": map[string]any{
				"acc_x": frame.Get("accel.x").Float(),
				"acc_y": frame.Get("accel.y").Float(),
				"acc_z": frame.Get("accel.z").Float(),
				"gyr_x": frame.Get("gyro.x").Float(),
				"gyr_y": frame.Get("gyro.y").Float(),
				"gyr_z": frame.Get("gyro.z").Float(),
			},
			"sampling_rate": samplingRate,
		})

	case frame.Get("event").String() == "fall_detected":
		s.gen.Fall(user, s.now())

	default:
		s.logger.Debug("unhandled frame", "user", user, "event", frame.Get("event").String())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "clients": s.hub.ClientCount()})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user_id"]
	var req client.ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusOK, client.APIResponse{Status: "error", Message: err.Error()})
		return
	}
	if req.ResolutionType == "" {
		req.ResolutionType = "user_ok"
	}

	now := s.now()
	s.gen.Recover(user, now)
	fallAt, ok := s.em.stop(user)
	if !ok {
		writeJSON(w, http.StatusOK, client.APIResponse{Status: "warning", Message: "no active emergency"})
		return
	}
	duration := int(now.Sub(fallAt).Seconds())
	s.hub.Broadcast(map[string]any{
		"type": client.MsgEmergencyResolved,
		"data": client.AlertPayload{
			UserID:          user,
			Message:         fmt.Sprintf("%s reported being OK; emergency cleared", user),
			ResolutionType:  req.ResolutionType,
			DurationSeconds: duration,
			Timestamp:       now.Format(time.RFC3339),
		},
	})
	s.logger.Info("emergency resolved", "user", user, "duration", duration)
	writeJSON(w, http.StatusOK, apiResponse("success", "emergency resolved", map[string]any{
		"user_id":          user,
		"duration_seconds": duration,
		"resolution_type":  req.ResolutionType,
	}))
}

func (s *Server) handleConfirmHelp(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user_id"]
	var req client.HelpRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusOK, client.APIResponse{Status: "error", Message: err.Error()})
		return
	}
	if req.HelpType == "" {
		req.HelpType = "general_help"
	}

	now := s.now()
	duration := 1
	if fallAt, ok := s.em.stop(user); ok {
		duration = int(now.Sub(fallAt).Seconds())
	}
	by := "user_response"
	if req.Automatic {
		by = "auto"
	}
	s.hub.Broadcast(map[string]any{
		"type": client.MsgEmergencyConfirmedCritical,
		"data": map[string]any{
			"user_id":           user,
			"message":           fmt.Sprintf("%s needs help", user),
			"confirmation_type": req.HelpType,
			"duration_seconds":  duration,
			"emergency_level":   "CRITICAL",
			"confirmed_by":      by,
			"timestamp":         now.Format(time.RFC3339),
		},
	})
	s.logger.Warn("emergency confirmed", "user", user, "help_type", req.HelpType, "by", by)
	writeJSON(w, http.StatusOK, apiResponse("success", "emergency confirmed", map[string]any{
		"user_id":             user,
		"emergency_level":     "CRITICAL",
		"help_type":           req.HelpType,
		"auto_call_emergency": true,
	}))
}

func (s *Server) handleCurrentEmergency(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user_id"]
	st := s.em.status(user, s.now(), s.opts.Window)
	writeJSON(w, http.StatusOK, apiResponse("success", "", st))
}

func (s *Server) handleInjectFall(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user_id"]
	if !s.gen.Fall(user, s.now()) {
		writeJSON(w, http.StatusConflict, client.APIResponse{Status: "error", Message: "fall already open"})
		return
	}
	writeJSON(w, http.StatusOK, client.APIResponse{Status: "success", Message: "fall injected"})
}

func apiResponse(status, msg string, data any) client.APIResponse {
	raw, _ := json.Marshal(data)
	return client.APIResponse{Status: status, Message: msg, Data: raw}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// checkOrigin admits non-browser clients, same-host pages and loopback
// origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	host := parsed.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
}
