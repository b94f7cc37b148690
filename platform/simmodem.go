//go:build !rp2040 && !rp2350

package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/logging"
	"rtucode-go/services/modem"
)

const (
	simSlots   = 15
	maxContent = 1 << 20
)

type sms struct {
	number, text string
}

// SimModem carries modem traffic over the host network. Outgoing SMS are
// appended to dir/outbox.log; incoming ones are injected with Deliver.
type SimModem struct {
	dir  string
	http *http.Client
	log  *slog.Logger

	mu        sync.Mutex
	connected bool
	inbox     [simSlots + 1]*sms
}

func NewSimModem(dir string, log *slog.Logger) *SimModem {
	return &SimModem{
		dir:  dir,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  logging.Or(log).With("svc", "sim_modem"),
	}
}

func (m *SimModem) CheckRegistration(ctx context.Context) error { return ctx.Err() }
func (m *SimModem) Initialize(ctx context.Context) error        { return ctx.Err() }

func (m *SimModem) Connect(ctx context.Context, apn string) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.log.Debug("gprs_connected", "apn", apn)
	return ctx.Err()
}

func (m *SimModem) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *SimModem) online() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return &errcode.E{C: errcode.NotConnected, Op: "sim_modem", Msg: "no bearer"}
	}
	return nil
}

func (m *SimModem) do(ctx context.Context, req modem.Request) (*http.Response, error) {
	if err := m.online(); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidParams, "sim_modem", err)
	}
	if req.ContentType != "" {
		hr.Header.Set("Content-Type", req.ContentType)
	}
	resp, err := m.http.Do(hr)
	if err != nil {
		return nil, errcode.Wrap(errcode.Timeout, "sim_modem", err)
	}
	return resp, nil
}

func (m *SimModem) HTTP(ctx context.Context, req modem.Request) (modem.Response, error) {
	resp, err := m.do(ctx, req)
	if err != nil {
		return modem.Response{}, err
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxContent))
	if err != nil {
		return modem.Response{Status: resp.StatusCode}, err
	}
	m.log.Debug("http_exchange", "method", resp.Request.Method, "url", req.URL, "status", resp.StatusCode, "bytes", len(content))
	return modem.Response{Status: resp.StatusCode, Content: content}, nil
}

func (m *SimModem) Download(ctx context.Context, url, dst string) (modem.Response, error) {
	resp, err := m.do(ctx, modem.Request{URL: url})
	if err != nil {
		return modem.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return modem.Response{Status: resp.StatusCode}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return modem.Response{}, err
	}
	f, err := os.Create(dst)
	if err != nil {
		return modem.Response{}, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return modem.Response{}, err
	}
	m.log.Info("download_done", "url", url, "dst", dst, "bytes", n)
	return modem.Response{Status: resp.StatusCode}, nil
}

func (m *SimModem) SendSMS(ctx context.Context, number, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(m.dir, "outbox.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s\t%s\t%q\n", time.Now().UTC().Format(time.RFC3339), number, text)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	m.log.Info("sms_sent", "to", number, "len", len(text))
	return err
}

// Deliver stores an incoming message in the first free slot.
func (m *SimModem) Deliver(number, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slot := 1; slot <= simSlots; slot++ {
		if m.inbox[slot] == nil {
			m.inbox[slot] = &sms{number: number, text: text}
			return slot, nil
		}
	}
	return 0, errcode.Busy
}

func (m *SimModem) ReadSMS(ctx context.Context, slot int) (string, string, error) {
	if slot < 1 || slot > simSlots {
		return "", "", errcode.OutOfRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.inbox[slot]
	if msg == nil {
		return "", "", errcode.NoData
	}
	return msg.number, msg.text, nil
}

func (m *SimModem) DeleteSMS(ctx context.Context, slot int) error {
	if slot < 1 || slot > simSlots {
		return errcode.OutOfRange
	}
	m.mu.Lock()
	m.inbox[slot] = nil
	m.mu.Unlock()
	return nil
}

func (m *SimModem) SignalQuality(ctx context.Context) (int, error) { return 23, nil }

func (m *SimModem) CellInfo(ctx context.Context) (map[string]any, error) {
	return map[string]any{"mcc": 432, "mnc": 11, "lac": 1, "cellid": 1}, nil
}

func (m *SimModem) USSD(ctx context.Context, code string) (string, error) {
	return "simulated balance for " + code, nil
}

var _ modem.Driver = (*SimModem)(nil)
