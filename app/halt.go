package app

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"rtucode-go/services/modem"
	"rtucode-go/services/scheduler"
)

const haltFeed = time.Second

// Halt keeps the watchdog fed and does nothing else until ctx is done. It is
// entered when the device cannot run safely, so that a reset loop does not
// hide the cause from the log.
func Halt(ctx context.Context, wd scheduler.Watchdog, log *slog.Logger) error {
	log.Error("halted", "reason", "invalid configuration")
	t := time.NewTicker(haltFeed)
	defer t.Stop()
	for {
		if wd != nil {
			wd.Feed()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// readStagedUpdate consumes update.json left by a firmware download. The
// record is renamed so that it is reported once.
func readStagedUpdate(dir string) (*modem.UpdateInfo, error) {
	p := filepath.Join(dir, modem.UpdateFile)
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info modem.UpdateInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	if err := os.Rename(p, p+".done"); err != nil {
		return nil, err
	}
	return &info, nil
}
