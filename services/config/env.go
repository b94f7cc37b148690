package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"rtucode-go/x/strx"
)

// Env holds process settings taken from the environment.
type Env struct {
	AppEnv   string
	LogLevel slog.Level
	Board    string

	ConfigPath string
	DataDir    string
	PrecipDB   string

	Tick      time.Duration
	HangAfter time.Duration
	HTTPAddr  string

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
}

func LoadEnv() (Env, error) {
	appEnv := strx.Coalesce(strings.TrimSpace(os.Getenv("APP_ENV")), "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Env{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(strx.Coalesce(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"))
	if err != nil {
		return Env{}, err
	}

	dataDir := strx.Coalesce(strings.TrimSpace(os.Getenv("RTU_DATA_DIR")), "sd")

	tick, err := durationEnv("RTU_TICK", "5s")
	if err != nil {
		return Env{}, err
	}
	hang, err := durationEnv("RTU_HANG_AFTER", "2m")
	if err != nil {
		return Env{}, err
	}

	mqttPortStr := strx.Coalesce(strings.TrimSpace(os.Getenv("MQTT_PORT")), "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Env{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}

	return Env{
		AppEnv:       appEnv,
		LogLevel:     level,
		Board:        strx.Coalesce(strings.TrimSpace(os.Getenv("RTU_BOARD")), "rtu"),
		ConfigPath:   strx.Coalesce(strings.TrimSpace(os.Getenv("RTU_CONFIG")), "config.json"),
		DataDir:      dataDir,
		PrecipDB:     strx.Coalesce(strings.TrimSpace(os.Getenv("RTU_PRECIP_DB")), "percip.db"),
		Tick:         tick,
		HangAfter:    hang,
		HTTPAddr:     strx.Coalesce(strings.TrimSpace(os.Getenv("RTU_HTTP_ADDR")), ":80"),
		MQTTBroker:   strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		MQTTPort:     mqttPort,
		MQTTClientID: strx.Coalesce(strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID")), "rtu"),
	}, nil
}

func durationEnv(key, def string) (time.Duration, error) {
	s := strx.Coalesce(strings.TrimSpace(os.Getenv(key)), def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
