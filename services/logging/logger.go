package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"rtucode-go/services/config"
)

// New builds the process logger: colourised tint output on dev builds, JSON
// lines otherwise.
func New(env config.Env, version string, deviceID int) *slog.Logger {
	return newWithWriter(os.Stdout, env, version, deviceID)
}

func newWithWriter(w io.Writer, env config.Env, version string, deviceID int) *slog.Logger {
	if env.AppEnv != "prod" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      env.LogLevel,
			AddSource:  version == "dev",
			TimeFormat: time.TimeOnly,
		})
		return slog.New(h).With("device_id", deviceID)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: env.LogLevel,
	})
	return slog.New(h).With(
		"device_id", deviceID,
		"version", version,
		"env", env.AppEnv,
	)
}

// Or returns l, or slog.Default() when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
