// services/web/server.go
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"rtucode-go/errcode"
	"rtucode-go/services/arbiter"
	"rtucode-go/services/config"
	"rtucode-go/services/jobs"
	"rtucode-go/services/logging"
	"rtucode-go/services/precip"
	"rtucode-go/services/scheduler"
	"rtucode-go/services/telemetry"
	"rtucode-go/types"
)

// Precip is the precipitation store as the page uses it.
type Precip interface {
	Dump() ([]precip.Bucket, error)
	Total() uint32
}

// Deps are the read sides and triggers the page exposes.
type Deps struct {
	Cfg        *config.Device
	ConfigPath string
	Tel        *telemetry.Store
	Queue      interface{ Snapshot() []jobs.Entry }
	Workers    func() []scheduler.Status
	Arb        *arbiter.Arbiter
	Precip     Precip
	// ZeroPrecip clears the store and pending pulses.
	ZeroPrecip func() error
	// Restart reboots the device.
	Restart      func()
	RestartDelay time.Duration // default 1s
	Log          *slog.Logger
}

type server struct {
	Deps
	log *slog.Logger
}

// NewRouter builds the local configuration and status page.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d, log: logging.Or(d.Log).With("svc", "web")}
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", s.postConfig).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.jobs).Methods(http.MethodGet)
	r.HandleFunc("/precip", s.precipDump).Methods(http.MethodGet)
	r.HandleFunc("/precip/zero", s.precipZero).Methods(http.MethodPost)
	r.HandleFunc("/restart", s.restart).Methods(http.MethodPost)
	r.HandleFunc("/readings/{id}", s.reading).Methods(http.MethodGet)

	h := handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(r)
	return handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
}

func (s *server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Info("http_request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote", p.Request.RemoteAddr,
	)
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type statusView struct {
	Snapshot types.Snapshot     `json:"snapshot"`
	Workers  []scheduler.Status `json:"workers,omitempty"`
	Jobs     []jobs.Entry       `json:"jobs,omitempty"`
	Buses    map[string]string  `json:"buses,omitempty"`
	Serial   string             `json:"serial_mode,omitempty"`
	Precip   *precipView        `json:"precip,omitempty"`
}

type precipView struct {
	Total   uint32 `json:"total"`
	Buckets int    `json:"buckets"`
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	v := statusView{Snapshot: s.Tel.Snapshot()}
	if s.Workers != nil {
		v.Workers = s.Workers()
	}
	if s.Queue != nil {
		v.Jobs = s.Queue.Snapshot()
	}
	if s.Arb != nil {
		v.Buses = map[string]string{
			arbiter.Serial.String(): string(s.Arb.Holder(arbiter.Serial)),
			arbiter.SPI.String():    string(s.Arb.Holder(arbiter.SPI)),
		}
		v.Serial = string(s.Arb.SerialMode())
	}
	if s.Precip != nil {
		if b, err := s.Precip.Dump(); err == nil {
			v.Precip = &precipView{Total: s.Precip.Total(), Buckets: len(b)}
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) reading(w http.ResponseWriter, r *http.Request) {
	id := types.SensorID(mux.Vars(r)["id"])
	rd, ok := s.Tel.Reading(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown sensor")
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Cfg)
}

// postConfig validates and stores a new configuration. It takes effect after
// the restart that follows.
func (s *server) postConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cfg, err := config.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Save(s.ConfigPath, cfg); err != nil {
		s.log.Error("config_save_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	s.log.Info("config_saved", "path", s.ConfigPath)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "saved", "restart": true})
	s.restartLater()
}

func (s *server) jobs(w http.ResponseWriter, _ *http.Request) {
	if s.Queue == nil {
		writeJSON(w, http.StatusOK, []jobs.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.Queue.Snapshot())
}

func (s *server) precipDump(w http.ResponseWriter, _ *http.Request) {
	if s.Precip == nil {
		writeError(w, http.StatusServiceUnavailable, string(errcode.StorageUnavailable))
		return
	}
	b, err := s.Precip.Dump()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": s.Precip.Total(), "buckets": b})
}

func (s *server) precipZero(w http.ResponseWriter, _ *http.Request) {
	if s.ZeroPrecip == nil {
		writeError(w, http.StatusServiceUnavailable, string(errcode.Unsupported))
		return
	}
	if err := s.ZeroPrecip(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn("precip_zeroed", "source", "web")
	writeJSON(w, http.StatusOK, map[string]any{"status": "zeroed"})
}

func (s *server) restart(w http.ResponseWriter, _ *http.Request) {
	if s.Restart == nil {
		writeError(w, http.StatusServiceUnavailable, string(errcode.Unsupported))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "restarting"})
	s.restartLater()
}

// restartLater lets the response reach the client first.
func (s *server) restartLater() {
	if s.Restart == nil {
		return
	}
	d := s.RestartDelay
	if d <= 0 {
		d = time.Second
	}
	time.AfterFunc(d, s.Restart)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// bindRetry spaces listen attempts while addr is still held, for example by
// the server of the previous boot.
var bindRetry = 500 * time.Millisecond

// Serve runs the page on addr until ctx is done. It keeps retrying the bind
// until addr is free.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	log = logging.Or(log).With("svc", "web")
	ln, err := listen(ctx, addr, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("web_listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func listen(ctx context.Context, addr string, log *slog.Logger) (net.Listener, error) {
	var lc net.ListenConfig
	for attempt := 0; ; attempt++ {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == 0 {
			log.Warn("web_bind_retry", "addr", addr, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bindRetry):
		}
	}
}
