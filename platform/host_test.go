//go:build !rp2040 && !rp2350

package platform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/config"
	"rtucode-go/services/modem"
	"rtucode-go/services/pulse"
)

func TestSimModemHTTPNeedsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if r.Method == http.MethodPost && r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(r.Method + ":" + string(b)))
	}))
	defer srv.Close()

	m := NewSimModem(t.TempDir(), nil)
	ctx := context.Background()
	if _, err := m.HTTP(ctx, modem.Request{URL: srv.URL}); errcode.Of(err) != errcode.NotConnected {
		t.Fatalf("want NotConnected, got %v", err)
	}
	if err := m.Connect(ctx, "internet"); err != nil {
		t.Fatal(err)
	}
	resp, err := m.HTTP(ctx, modem.Request{
		Method:      http.MethodPost,
		URL:         srv.URL,
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte("data=ab"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK || string(resp.Content) != "POST:data=ab" {
		t.Fatalf("resp %d %q", resp.Status, resp.Content)
	}
	_ = m.Disconnect(ctx)
	if _, err := m.HTTP(ctx, modem.Request{URL: srv.URL}); err == nil {
		t.Fatal("request after disconnect")
	}
}

func TestSimModemDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("firmware"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewSimModem(dir, nil)
	ctx := context.Background()
	_ = m.Connect(ctx, "")

	dst := filepath.Join(dir, "update", "main_1.5.bin")
	resp, err := m.Download(ctx, srv.URL+"/fw", dst)
	if err != nil || resp.Status != http.StatusOK {
		t.Fatalf("download: %v %d", err, resp.Status)
	}
	if b, err := os.ReadFile(dst); err != nil || string(b) != "firmware" {
		t.Fatalf("file: %q %v", b, err)
	}

	resp, err = m.Download(ctx, srv.URL+"/missing", filepath.Join(dir, "x.bin"))
	if err != nil || resp.Status != http.StatusNotFound {
		t.Fatalf("missing: %v %d", err, resp.Status)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.bin")); err == nil {
		t.Fatal("file written for failed download")
	}
}

func TestSimModemInbox(t *testing.T) {
	dir := t.TempDir()
	m := NewSimModem(dir, nil)
	ctx := context.Background()

	if _, _, err := m.ReadSMS(ctx, 1); !errors.Is(err, errcode.NoData) {
		t.Fatalf("empty slot: %v", err)
	}
	slot, err := m.Deliver("+100", "#stat")
	if err != nil || slot != 1 {
		t.Fatalf("deliver: %d %v", slot, err)
	}
	num, text, err := m.ReadSMS(ctx, slot)
	if err != nil || num != "+100" || text != "#stat" {
		t.Fatalf("read: %q %q %v", num, text, err)
	}
	_ = m.DeleteSMS(ctx, slot)
	if _, _, err := m.ReadSMS(ctx, slot); err == nil {
		t.Fatal("slot not cleared")
	}
	if _, _, err := m.ReadSMS(ctx, 16); !errors.Is(err, errcode.OutOfRange) {
		t.Fatalf("slot 16: %v", err)
	}

	if err := m.SendSMS(ctx, "+200", "hello"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "outbox.log"))
	if err != nil || !strings.Contains(string(b), "+200\t\"hello\"") {
		t.Fatalf("outbox: %q %v", b, err)
	}
}

func TestSimPinDrivesCounter(t *testing.T) {
	pin := &SimPin{}
	c := pulse.New(pin, pulse.EdgeRising, 0, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		pin.Tip()
	}
	deadline := time.After(time.Second)
	for c.Pending() < 3 {
		select {
		case <-deadline:
			t.Fatalf("pending %d", c.Pending())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-c.Done()
}

func TestOpenHostBoard(t *testing.T) {
	b, err := Open(config.Env{DataDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Restart != nil {
		t.Fatal("host board must leave restart to the supervisor")
	}
	if err := b.SetClock(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := b.Card.MkdirAll("data/raw"); err != nil {
		t.Fatal(err)
	}
	b.Watchdog.Feed()
	if b.Watchdog.(*SimWatchdog).Feeds() != 1 {
		t.Fatal("feed not counted")
	}
	vals, err := b.SDI12.Measure(context.Background(), "0")
	if err != nil || len(vals) != 9 {
		t.Fatalf("sdi12: %v %v", vals, err)
	}
	idx, err := b.OpenPrecip(filepath.Join(t.TempDir(), "percip.db"), nil)
	if err != nil {
		t.Fatalf("precip index: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}
}
