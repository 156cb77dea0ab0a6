// Package control exposes the recorder over JSON-RPC 2.0 on a websocket.
//
// Methods: recorder.startSaving, recorder.stopSaving, recorder.status,
// device.setRotation, and with an archive attached recorder.clips and
// recorder.clip. Clients are notified with recorder.bufferStatus and
// recorder.saveComplete.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/mikeyg42/precam/internal/recorder"
	"github.com/mikeyg42/precam/internal/recorder/circular"
	"github.com/mikeyg42/precam/internal/recorder/config"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
	"github.com/mikeyg42/precam/internal/recorder/storage"
)

const (
	MethodStartSaving = "recorder.startSaving"
	MethodStopSaving  = "recorder.stopSaving"
	MethodStatus      = "recorder.status"
	MethodSetRotation = "device.setRotation"
	MethodClips       = "recorder.clips"
	MethodClip        = "recorder.clip"

	NotifyBufferStatus = "recorder.bufferStatus"
	NotifySaveComplete = "recorder.saveComplete"
)

// Application error codes, outside the range reserved by JSON-RPC.
const (
	CodeAlreadySaving int64 = -32001
	CodeNotSaving     int64 = -32002
	CodeShutdown      int64 = -32003
	CodeClipNotFound  int64 = -32004
	CodeNoArchive     int64 = -32005
)

const (
	stopTimeout   = 10 * time.Second
	notifyTimeout = 2 * time.Second
	healthTimeout = 5 * time.Second
	maxClips      = 200
)

// Recorder is the service the server drives.
type Recorder interface {
	StartSaving(path string) (string, error)
	StopSaving(ctx context.Context) error
	SetRotation(deg int) error
	Status() recorder.Status
}

// Archive serves the clip catalog methods.
type Archive interface {
	RecentClips(ctx context.Context, limit int) ([]storage.ClipView, error)
	Clip(ctx context.Context, id string) (storage.ClipView, error)
}

// HealthCheck probes one dependency for /healthz.
type HealthCheck func(ctx context.Context) error

type StartParams struct {
	Path string `json:"path,omitempty"`
}

type StartResult struct {
	Path string `json:"path"`
}

type RotationParams struct {
	Degrees int `json:"degrees"`
}

type ClipsParams struct {
	Limit int `json:"limit,omitempty"`
}

type ClipParams struct {
	ID string `json:"id"`
}

// Health is the /healthz body. Checks maps each failing dependency to its error.
type Health struct {
	OK       bool              `json:"ok"`
	Recorder recorder.Status   `json:"recorder"`
	Checks   map[string]string `json:"checks,omitempty"`
}

type SaveCompleteEvent struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

type BufferStatusEvent struct {
	BufferedMs int64 `json:"buffered_ms"`
}

// Server accepts websocket clients and is a circular.Sink that forwards
// events to all of them.
type Server struct {
	rec      Recorder
	cfg      config.ControlConfig
	logger   recorderlog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*jsonrpc2.Conn]struct{}
	archive Archive
	checks  map[string]HealthCheck
}

func NewServer(rec Recorder, cfg config.ControlConfig, logger recorderlog.Logger) *Server {
	if logger == nil {
		logger = recorderlog.L()
	}
	if cfg.Path == "" {
		cfg.Path = "/rpc"
	}
	return &Server{
		rec:    rec,
		cfg:    cfg,
		logger: logger.Named("control"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:  make(map[*jsonrpc2.Conn]struct{}),
		checks: make(map[string]HealthCheck),
	}
}

// SetArchive enables recorder.clips and recorder.clip.
func (s *Server) SetArchive(a Archive) {
	s.mu.Lock()
	s.archive = a
	s.mu.Unlock()
}

// AddHealthCheck registers a dependency probed by /healthz.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// Handler serves the websocket endpoint and a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	h := Health{OK: true, Recorder: s.rec.Status()}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			if h.Checks == nil {
				h.Checks = make(map[string]string)
			}
			h.Checks[name] = err.Error()
			h.OK = false
			s.logger.Warn("health check failed", recorderlog.String("check", name), recorderlog.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !h.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// ListenAndServe serves until ctx is done, then closes every client.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("control server listening", recorderlog.String("addr", s.cfg.ListenAddr), recorderlog.String("path", s.cfg.Path))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", recorderlog.Error(err))
		return
	}

	conn := jsonrpc2.NewConn(context.Background(), wsjsonrpc2.NewObjectStream(ws),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)))

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.logger.Info("control client connected", recorderlog.String("remote", r.RemoteAddr), recorderlog.Int("clients", n))

	<-conn.DisconnectNotify()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.logger.Info("control client disconnected", recorderlog.String("remote", r.RemoteAddr))
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case MethodStartSaving:
		var p StartParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		path, err := s.rec.StartSaving(p.Path)
		if err != nil {
			return nil, rpcError(err)
		}
		return StartResult{Path: path}, nil

	case MethodStopSaving:
		ctx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		if err := s.rec.StopSaving(ctx); err != nil {
			return nil, rpcError(err)
		}
		return s.rec.Status(), nil

	case MethodStatus:
		return s.rec.Status(), nil

	case MethodSetRotation:
		var p RotationParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := s.rec.SetRotation(p.Degrees); err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		return s.rec.Status(), nil

	case MethodClips:
		var p ClipsParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		a, err := s.archiveOrError()
		if err != nil {
			return nil, err
		}
		if p.Limit <= 0 || p.Limit > maxClips {
			p.Limit = maxClips
		}
		clips, err := a.RecentClips(ctx, p.Limit)
		if err != nil {
			return nil, rpcError(err)
		}
		return clips, nil

	case MethodClip:
		var p ClipParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "clip id is required"}
		}
		a, err := s.archiveOrError()
		if err != nil {
			return nil, err
		}
		clip, err := a.Clip(ctx, p.ID)
		if err != nil {
			return nil, rpcError(err)
		}
		return clip, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) archiveOrError() (Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archive == nil {
		return nil, &jsonrpc2.Error{Code: CodeNoArchive, Message: "clip archive is not enabled"}
	}
	return s.archive, nil
}

func decodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return nil
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func rpcError(err error) *jsonrpc2.Error {
	var code int64 = jsonrpc2.CodeInternalError
	switch {
	case errors.Is(err, circular.ErrAlreadySaving):
		code = CodeAlreadySaving
	case errors.Is(err, circular.ErrNotSaving):
		code = CodeNotSaving
	case errors.Is(err, circular.ErrShutdown):
		code = CodeShutdown
	case errors.Is(err, circular.ErrEmptyPath):
		code = jsonrpc2.CodeInvalidParams
	case errors.Is(err, storage.ErrClipNotFound):
		code = CodeClipNotFound
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}

// SaveComplete implements circular.Sink.
func (s *Server) SaveComplete(path string, status circular.Status) {
	s.broadcast(NotifySaveComplete, SaveCompleteEvent{Path: path, Status: status.String(), OK: status == circular.StatusOK})
}

// BufferStatus implements circular.Sink.
func (s *Server) BufferStatus(span time.Duration) {
	s.broadcast(NotifyBufferStatus, BufferStatusEvent{BufferedMs: span.Milliseconds()})
}

func (s *Server) broadcast(method string, params interface{}) {
	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := c.Notify(ctx, method, params); err != nil {
			s.logger.Debug("notify failed", recorderlog.String("method", method), recorderlog.Error(err))
		}
		cancel()
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
