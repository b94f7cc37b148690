package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/types"
)

func TestEmbeddedDefaultIsValid(t *testing.T) {
	d, err := LoadDevice(filepath.Join(t.TempDir(), "missing.json"), "rtu")
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if d.DeviceID != 10132 {
		t.Fatalf("device id: %d", d.DeviceID)
	}
	if !d.Enabled("pt") || d.Enabled("s1") || d.Enabled("s9") {
		t.Fatal("enabled flags not decoded")
	}
	want := []types.SensorID{"pt", "a1", "ra", "ra_1", "ra_12"}
	if got := d.EnabledSensors(); !slices.Equal(got, want) {
		t.Fatalf("enabled sensors: %v, want %v", got, want)
	}
	a, b := d.Sensor("ra").Calibration()
	if a != 0.2 || b != 0 {
		t.Fatalf("calibration: %v %v", a, b)
	}
}

func TestUnknownBoardWithoutFile(t *testing.T) {
	_, err := LoadDevice(filepath.Join(t.TempDir(), "missing.json"), "nope")
	if errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("want invalid_config, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	raw := `{
		"device_id": 0,
		"sensor_list": ["zz"],
		"sensors": {"pt": {"en": true, "high_th": 1, "low_th": 5}},
		"gprs": {"url": "http://x", "interval": 60},
		"enc": {"key": "abcd"},
		"log": {"interval": 0}
	}`
	_, err := Parse([]byte(raw))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var e *errcode.E
	if !errors.As(err, &e) || e.C != errcode.InvalidConfig {
		t.Fatalf("want *errcode.E invalid_config, got %T %v", err, err)
	}
	for _, want := range []string{"device_id", "log.interval", "enc.key", "unknown sensor", "low_th"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestFlagAcceptsIntsAndBools(t *testing.T) {
	for in, want := range map[string]bool{"1": true, "0": false, "true": true, "false": false, `"1"`: true, "null": false} {
		var f Flag
		if err := f.UnmarshalJSON([]byte(in)); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if bool(f) != want {
			t.Fatalf("%s: got %v", in, f)
		}
	}
	var f Flag
	if err := f.UnmarshalJSON([]byte("2")); err == nil {
		t.Fatal("expected error for 2")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	d, err := Parse(embeddedConfigs["rtu"])
	if err != nil {
		t.Fatal(err)
	}
	d.SMS.Phone1 = "+100"
	p := filepath.Join(t.TempDir(), "config.json")
	if err := Save(p, d); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadDevice(p, "rtu")
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if got.SMS.Phone1 != "+100" || len(got.Phones()) != 1 {
		t.Fatalf("phones: %v", got.Phones())
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestLoadEnvDefaultsAndErrors(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RTU_TICK", "")
	env, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.AppEnv != "dev" || env.Tick != 5*time.Second || env.Board != "rtu" {
		t.Fatalf("defaults: %+v", env)
	}

	t.Setenv("RTU_TICK", "-1s")
	if _, err := LoadEnv(); err == nil {
		t.Fatal("negative tick should fail")
	}
	t.Setenv("RTU_TICK", "")
	t.Setenv("APP_ENV", "staging")
	if _, err := LoadEnv(); err == nil {
		t.Fatal("unknown APP_ENV should fail")
	}
}
