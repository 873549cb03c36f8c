// Package control exposes the session controller over a small local HTTP
// API: device listing, start, stop, status and prometheus metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clipscribe/audio"
	"clipscribe/log"
	"clipscribe/session"
)

const stopWaitTimeout = 10 * time.Second

// Controller is the part of *session.Controller the API drives.
type Controller interface {
	Start(ctx context.Context, opts session.StartOptions) (*session.Session, error)
	Stop() session.StopStatus
	StopWait(ctx context.Context) (session.StopStatus, error)
	Status() session.Status
	Devices() ([]audio.IndexedDevice, error)
}

type Server struct {
	ctrl       Controller
	mux        *http.ServeMux
	httpServer *http.Server
}

func New(addr string, ctrl Controller, reg *prometheus.Registry) *Server {
	s := &Server{ctrl: ctrl, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /devices", s.handleDevices)
	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("POST /stop", s.handleStop)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	if reg != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Infof("control api listening on %s", s.httpServer.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control api shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.ctrl.Devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if devices == nil {
		devices = []audio.IndexedDevice{}
	}
	writeJSON(w, http.StatusOK, devices)
}

type startRequest struct {
	MicIndex       json.RawMessage `json:"mic_index"`
	PauseThreshold *float64        `json:"pause_threshold"`
	PauseMode      string          `json:"pause_mode"`
}

// parseMicIndex accepts an integer, a numeric string, "" or null; the last
// two select the system default.
func parseMicIndex(raw json.RawMessage) (*int, error) {
	v := strings.TrimSpace(string(raw))
	if v == "" || v == "null" || v == `""` {
		return nil, nil
	}
	if strings.HasPrefix(v, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, err
		}
		v = strings.TrimSpace(str)
		if v == "" {
			return nil, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("mic_index %s is not an integer", v)
	}
	return &n, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	micIndex, err := parseMicIndex(req.MicIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := session.StartOptions{MicIndex: micIndex}
	if req.PauseThreshold != nil {
		// sub-nanosecond values would truncate to zero and mean "default"
		d := time.Duration(*req.PauseThreshold * float64(time.Second))
		if d <= 0 {
			writeError(w, http.StatusBadRequest, session.ErrInvalidThreshold)
			return
		}
		opts.PauseThreshold = d
	}
	if req.PauseMode != "" {
		mode, err := session.ParsePauseMode(req.PauseMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.PauseMode = mode
	}

	sess, err := s.ctrl.Start(r.Context(), opts)
	if err != nil {
		log.Errorf("start via api: %v", err)
		writeError(w, startErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "session": sess.ID()})
}

func startErrorCode(err error) int {
	var derr *session.DeviceOpenError
	var rerr *session.RecognitionError
	switch {
	case errors.Is(err, audio.ErrNoSuchDevice), errors.Is(err, session.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.As(err, &derr):
		return http.StatusServiceUnavailable
	case errors.As(err, &rerr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), stopWaitTimeout)
		defer cancel()
		st, err := s.ctrl.StopWait(ctx)
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, fmt.Errorf("session did not stop: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": st.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.ctrl.Stop().String()})
}

type statusResponse struct {
	State     string     `json:"state"`
	Running   bool       `json:"running"`
	Session   string     `json:"session,omitempty"`
	Device    string     `json:"device,omitempty"`
	Engine    string     `json:"engine,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Segment   string     `json:"segment"`
	Partial   string     `json:"partial,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Status()
	resp := statusResponse{
		State:   st.State.String(),
		Running: st.State == session.Running,
		Session: st.SessionID,
		Device:  st.Device,
		Engine:  st.Engine,
		Segment: st.Segment,
		Partial: st.Partial,
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = &st.StartedAt
	}
	if st.Reason != nil {
		resp.Reason = st.Reason.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
