package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rtucode-go/services/config"
	"rtucode-go/services/precip"
	"rtucode-go/services/telemetry"
	"rtucode-go/types"
)

const pageConfig = `{"device_id": 3, "sensor_list": ["pt"], "sensors": {"pt": {"en": 1}}, "log": {"interval": 60}}`

type fakePrecip struct{ zeroed atomic.Int32 }

func (p *fakePrecip) Dump() ([]precip.Bucket, error) {
	return []precip.Bucket{{Key: 0, Total: 0}, {Key: 300, Total: 4}}, nil
}
func (p *fakePrecip) Total() uint32 { return 4 }

func newPage(t *testing.T) (http.Handler, *Deps, *fakePrecip, *atomic.Int32) {
	t.Helper()
	cfg, err := config.Parse([]byte(pageConfig))
	if err != nil {
		t.Fatal(err)
	}
	tel := telemetry.New(cfg.DeviceID, "1.0", nil)
	tel.Init(cfg.SensorList...)
	tel.SetReading("pt", types.Measured(108, 21))
	p := &fakePrecip{}
	var restarts atomic.Int32
	d := &Deps{
		Cfg:          cfg,
		ConfigPath:   filepath.Join(t.TempDir(), "config.json"),
		Tel:          tel,
		Precip:       p,
		ZeroPrecip:   func() error { p.zeroed.Add(1); return nil },
		Restart:      func() { restarts.Add(1) },
		RestartDelay: time.Millisecond,
	}
	return NewRouter(*d), d, p, &restarts
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusIncludesSnapshot(t *testing.T) {
	h, _, _, _ := newPage(t)
	rec := do(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d", rec.Code)
	}
	var v struct {
		Snapshot map[string]any `json:"snapshot"`
		Precip   *precipView    `json:"precip"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Snapshot["device_id"] != float64(3) || v.Snapshot["pt"] == nil {
		t.Fatalf("snapshot: %v", v.Snapshot)
	}
	if v.Precip == nil || v.Precip.Total != 4 || v.Precip.Buckets != 2 {
		t.Fatalf("precip: %+v", v.Precip)
	}
}

func TestReadingRoute(t *testing.T) {
	h, _, _, _ := newPage(t)
	if rec := do(t, h, http.MethodGet, "/readings/pt", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"scaled":21`) {
		t.Fatalf("pt: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/readings/zz", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("zz: %d", rec.Code)
	}
}

func TestPostConfigValidatesSavesAndRestarts(t *testing.T) {
	h, d, _, restarts := newPage(t)

	if rec := do(t, h, http.MethodPost, "/config", `{"device_id": 0}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid config accepted: %d", rec.Code)
	}
	if _, err := os.Stat(d.ConfigPath); err == nil {
		t.Fatal("invalid config was written")
	}

	rec := do(t, h, http.MethodPost, "/config", `{"device_id": 8, "log": {"interval": 120}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code %d: %s", rec.Code, rec.Body)
	}
	raw, err := os.ReadFile(d.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	saved, err := config.Parse(raw)
	if err != nil || saved.DeviceID != 8 {
		t.Fatalf("saved config: %+v %v", saved, err)
	}
	deadline := time.After(time.Second)
	for restarts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("restart not requested")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPrecipZeroAndMethodRouting(t *testing.T) {
	h, _, p, _ := newPage(t)
	if rec := do(t, h, http.MethodGet, "/precip/zero", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET zero: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/precip/zero", ""); rec.Code != http.StatusOK {
		t.Fatalf("POST zero: %d", rec.Code)
	}
	if p.zeroed.Load() != 1 {
		t.Fatal("zero not called")
	}
	rec := do(t, h, http.MethodGet, "/precip", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"buckets"`) {
		t.Fatalf("dump: %d %s", rec.Code, rec.Body)
	}
}

func TestServeWaitsForBusyAddress(t *testing.T) {
	old := bindRetry
	bindRetry = 10 * time.Millisecond
	t.Cleanup(func() { bindRetry = old })

	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := held.Addr().String()
	h, _, _, _ := newPage(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, h, nil) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Serve gave up while the address was held: %v", err)
	default:
	}
	held.Close()

	deadline := time.After(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("health: %d", resp.StatusCode)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("page never came up: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
