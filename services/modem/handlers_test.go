package modem

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/jobs"
	"rtucode-go/services/telemetry"
	"rtucode-go/types"
)

type sms struct{ to, text string }

type inbound struct{ from, text string }

// fakeDriver scripts modem responses per URL and records side effects.
type fakeDriver struct {
	responses map[string][]Response // popped per request; last one sticks
	httpErr   error
	requests  []Request
	connects  int
	disconns  int
	downloads []string
	sent      []sms
	inbox     map[int]inbound
	deleted   []int
	csq       int
	ussd      map[string]string
	cell      map[string]any
}

func (f *fakeDriver) CheckRegistration(context.Context) error { return nil }
func (f *fakeDriver) Initialize(context.Context) error        { return nil }
func (f *fakeDriver) Connect(context.Context, string) error   { f.connects++; return nil }
func (f *fakeDriver) Disconnect(context.Context) error        { f.disconns++; return nil }

func (f *fakeDriver) HTTP(_ context.Context, req Request) (Response, error) {
	f.requests = append(f.requests, req)
	if f.httpErr != nil {
		return Response{}, f.httpErr
	}
	rs := f.responses[req.URL]
	if len(rs) == 0 {
		return Response{Status: 404}, nil
	}
	r := rs[0]
	if len(rs) > 1 {
		f.responses[req.URL] = rs[1:]
	}
	return r, nil
}

func (f *fakeDriver) Download(_ context.Context, url, dst string) (Response, error) {
	f.downloads = append(f.downloads, url)
	return Response{Status: 200}, os.WriteFile(dst, []byte("image"), 0o644)
}

func (f *fakeDriver) SendSMS(_ context.Context, to, text string) error {
	f.sent = append(f.sent, sms{to, text})
	return nil
}

func (f *fakeDriver) ReadSMS(_ context.Context, slot int) (string, string, error) {
	m, ok := f.inbox[slot]
	if !ok {
		return "", "", errors.New("empty slot")
	}
	return m.from, m.text, nil
}

func (f *fakeDriver) DeleteSMS(_ context.Context, slot int) error {
	f.deleted = append(f.deleted, slot)
	delete(f.inbox, slot)
	return nil
}

func (f *fakeDriver) SignalQuality(context.Context) (int, error) { return f.csq, nil }

func (f *fakeDriver) CellInfo(context.Context) (map[string]any, error) { return f.cell, nil }

func (f *fakeDriver) USSD(_ context.Context, code string) (string, error) { return f.ussd[code], nil }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type recQueue struct{ jobs []jobs.Job }

func (q *recQueue) Enqueue(j jobs.Job) bool { q.jobs = append(q.jobs, j); return true }

const handlerConfig = `{
  "device_id": 9,
  "sensor_list": ["pt"],
  "sensors": {"pt": {"en": 1, "sms_fun": 1, "sms_ord": 1, "disp_name": "Temp", "high_th": 30}},
  "gprs": {"url": "http://collector/ingest", "apn": "mcinet", "interval": 600},
  "sms": {"phone_1": "+100", "phone_2": "+200", "interval": 3600},
  "log": {"interval": 600},
  "enc": {"key": "00112233445566778899aabbccddeeff"}
}`

type handlerHarness struct {
	h     *Handlers
	drv   *fakeDriver
	tel   *telemetry.Store
	q     *recQueue
	clock []time.Time
	zeros int
	boots int
	smsTS int
}

func newHandlers(t *testing.T) *handlerHarness {
	t.Helper()
	cfg := mustConfig(t, handlerConfig)
	tel := telemetry.New(cfg.DeviceID, "1.4", nil)
	tel.Init(cfg.SensorList...)
	hh := &handlerHarness{
		drv: &fakeDriver{responses: map[string][]Response{}, inbox: map[int]inbound{}},
		tel: tel,
		q:   &recQueue{},
	}
	hh.h = &Handlers{
		Modem:           hh.drv,
		Cfg:             cfg,
		Tel:             tel,
		Jobs:            hh.q,
		Rand:            bytes.NewReader(bytes.Repeat([]byte{7}, 64)),
		Clock:           fixedClock(time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)),
		SetClock:        func(t time.Time) error { hh.clock = append(hh.clock, t); return nil },
		ZeroPrecip:      func() error { hh.zeros++; return nil },
		Restart:         func() { hh.boots++ },
		OnClockFromSMS:  func() { hh.smsTS++ },
		FirmwareVersion: 1.4,
		UpdateDir:       t.TempDir(),
		SMSGap:          time.Millisecond,
	}
	return hh
}

func TestRegisterCoversEveryKind(t *testing.T) {
	hh := newHandlers(t)
	reg := map[jobs.Kind]jobs.Handler{}
	hh.h.Register(registrarFunc(func(k jobs.Kind, h jobs.Handler) { reg[k] = h }))
	for _, k := range []jobs.Kind{
		jobs.KindGetTime, jobs.KindCheckUpdate, jobs.KindCheckSMS, jobs.KindPostData,
		jobs.KindSendDataSMS, jobs.KindSendLocRequest, jobs.KindSendAlarmSMS, jobs.KindSendGPSSMS,
	} {
		if reg[k] == nil {
			t.Errorf("no handler for %s", k)
		}
	}
}

type registrarFunc func(jobs.Kind, jobs.Handler)

func (f registrarFunc) Handle(k jobs.Kind, h jobs.Handler) { f(k, h) }

func TestGetTimeRetriesThenSetsClock(t *testing.T) {
	hh := newHandlers(t)
	url := DefaultEndpoints.Time
	hh.drv.responses[url] = []Response{{Status: 500}, {Status: 200, Content: []byte("2024,6,2,6,8,9,10,0")}}

	if err := hh.h.GetTime(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(hh.drv.requests) != 2 || hh.drv.connects != 2 || hh.drv.disconns != 2 {
		t.Fatalf("requests=%d connects=%d disconnects=%d", len(hh.drv.requests), hh.drv.connects, hh.drv.disconns)
	}
	if len(hh.clock) != 1 || hh.clock[0].Hour() != 8 || hh.clock[0].Day() != 2 {
		t.Fatalf("clock set to %v", hh.clock)
	}
}

func TestGetTimeGivesUpAfterThreeAttempts(t *testing.T) {
	hh := newHandlers(t)
	hh.drv.httpErr = errors.New("no carrier")

	if err := hh.h.GetTime(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(hh.drv.requests) != 3 {
		t.Fatalf("requests: %d", len(hh.drv.requests))
	}
	if len(hh.clock) != 0 {
		t.Fatal("clock must not change")
	}
}

func TestPostDataEncryptsSnapshot(t *testing.T) {
	hh := newHandlers(t)
	hh.tel.SetReading("pt", types.Measured(100, 21.5))
	hh.drv.responses["http://collector/ingest"] = []Response{{Status: 200}}

	if err := hh.h.PostData(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := hh.drv.requests[0]
	if req.Method != "POST" || req.ContentType != FormContentType {
		t.Fatalf("request: %+v", req)
	}
	body := string(req.Body)
	if !strings.HasPrefix(body, "data=") {
		t.Fatalf("body: %q", body)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(body, "data="))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[:16], bytes.Repeat([]byte{7}, 16)) {
		t.Fatalf("iv: %x", raw[:16])
	}
	if ts := hh.tel.Snapshot().Timestamp; ts != time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC).Unix() {
		t.Fatalf("timestamp %d", ts)
	}
}

func TestPostDataWithoutURL(t *testing.T) {
	hh := newHandlers(t)
	hh.h.Cfg.GPRS.URL = ""
	if err := hh.h.PostData(context.Background()); err != errcode.NoURL {
		t.Fatalf("want no_url, got %v", err)
	}
	if len(hh.drv.requests) != 0 {
		t.Fatal("no request expected")
	}
}

func TestSendDataSMSBothPhones(t *testing.T) {
	hh := newHandlers(t)
	hh.tel.SetReading("pt", types.Measured(100, 21.5))

	if err := hh.h.SendDataSMS(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if len(hh.drv.sent) != 2 || hh.drv.sent[0].to != "+100" || hh.drv.sent[1].to != "+200" {
		t.Fatalf("sent: %+v", hh.drv.sent)
	}
	if hh.drv.sent[0].text != "9,2024,06,01,12,21.50" {
		t.Fatalf("text: %q", hh.drv.sent[0].text)
	}
}

func TestSendAlarmSMS(t *testing.T) {
	hh := newHandlers(t)
	hh.tel.SetReading("pt", types.Measured(100, 35))

	if err := hh.h.SendAlarmSMS(context.Background(), "pt", true); err != nil {
		t.Fatal(err)
	}
	if len(hh.drv.sent) != 2 || !strings.Contains(hh.drv.sent[0].text, "Temp's value is 35 and is higher") {
		t.Fatalf("sent: %+v", hh.drv.sent)
	}
}

func TestCheckUpdateStagesAndRestarts(t *testing.T) {
	hh := newHandlers(t)
	hh.drv.responses[DefaultEndpoints.Version] = []Response{{Status: 200, Content: []byte("1.5\n")}}

	if err := hh.h.CheckUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(hh.drv.downloads) != 1 || hh.drv.downloads[0] != "http://fw.abfascada.ir/ahv_rtu2/main_1.5.bin" {
		t.Fatalf("downloads: %v", hh.drv.downloads)
	}
	b, err := os.ReadFile(filepath.Join(hh.h.UpdateDir, UpdateFile))
	if err != nil {
		t.Fatal(err)
	}
	var info UpdateInfo
	if err := json.Unmarshal(b, &info); err != nil {
		t.Fatal(err)
	}
	if info.OldVersion != 1.4 || info.NewVersion != 1.5 {
		t.Fatalf("info: %+v", info)
	}
	if hh.boots != 1 {
		t.Fatalf("restarts: %d", hh.boots)
	}
}

func TestCheckUpdateCurrentVersion(t *testing.T) {
	hh := newHandlers(t)
	hh.drv.responses[DefaultEndpoints.Version] = []Response{{Status: 200, Content: []byte("1.4")}}

	if err := hh.h.CheckUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(hh.drv.downloads) != 0 || hh.boots != 0 {
		t.Fatal("no update expected")
	}
}

func TestCheckSMSCommands(t *testing.T) {
	hh := newHandlers(t)
	hh.tel.SetReading("pt", types.Measured(100, 20))
	hh.drv.csq = 17
	hh.drv.ussd = map[string]string{ussdBalanceQuery: "Balance 1000"}
	hh.drv.inbox = map[int]inbound{
		1: {"+300", "#stat"},
		2: {"+301", "#qu"},
		3: {"+302", "#zero"},
		4: {"+303", "#balance"},
		5: {"+304", "random text"},
		6: {"+305", ucs2(`{"lat":35.5,"lon":51.25,"ts":"2024,6,1,5,13,0,0,0"}`)},
		// slot 7 empty: scan stops before 8
		8: {"+306", "#reset"},
	}

	if err := hh.h.CheckSMS(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(hh.drv.deleted) != 6 {
		t.Fatalf("deleted: %v", hh.drv.deleted)
	}
	want := []sms{
		{"+300", "9,2024,06,01,12,20.00"},
		{"+301", "17"},
		{"+303", "Balance 1000"},
	}
	if len(hh.drv.sent) != len(want) {
		t.Fatalf("sent: %+v", hh.drv.sent)
	}
	for i := range want {
		if hh.drv.sent[i] != want[i] {
			t.Fatalf("sent[%d] = %+v, want %+v", i, hh.drv.sent[i], want[i])
		}
	}
	if hh.zeros != 1 || hh.boots != 0 {
		t.Fatalf("zeros=%d boots=%d", hh.zeros, hh.boots)
	}
	loc := hh.tel.Snapshot().Location
	if loc == nil || loc.Lat != 35.5 || loc.Lon != 51.25 {
		t.Fatalf("location: %+v", loc)
	}
	if hh.smsTS != 1 || len(hh.clock) != 1 {
		t.Fatalf("sms time callbacks=%d clock sets=%d", hh.smsTS, len(hh.clock))
	}
	if len(hh.q.jobs) != 1 || hh.q.jobs[0].Kind() != jobs.KindSendGPSSMS {
		t.Fatalf("queued: %+v", hh.q.jobs)
	}
}

func TestSendLocRequest(t *testing.T) {
	hh := newHandlers(t)
	hh.drv.cell = map[string]any{"mcc": "432", "mnc": "11", "lac": 100, "cid": 2000}

	if err := hh.h.SendLocRequest(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(hh.drv.sent) != 1 || hh.drv.sent[0].to != DefaultEndpoints.Locator {
		t.Fatalf("sent: %+v", hh.drv.sent)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(hh.drv.sent[0].text), &got); err != nil || got["mcc"] != "432" {
		t.Fatalf("payload %q: %v", hh.drv.sent[0].text, err)
	}
}
