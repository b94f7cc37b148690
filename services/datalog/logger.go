// services/datalog/logger.go
package datalog

import (
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/arbiter"
	"rtucode-go/services/config"
	"rtucode-go/services/logging"
	"rtucode-go/services/telemetry"
	"rtucode-go/types"
	"rtucode-go/x/timex"
)

// Directory layout on the card.
const (
	RawDir    = "data/raw"
	ScaledDir = "data/scaled"
)

// Logger appends one row per interval to the day's raw and scaled files.
type Logger struct {
	Cfg   *config.Device
	Tel   *telemetry.Store
	Arb   *arbiter.Arbiter
	FS    FS
	Clock timex.Clock
	Log   *slog.Logger
	// AcquireAttempts bounds SPI token polling; 0 waits until ctx is done.
	AcquireAttempts int

	available atomic.Bool
}

func (l *Logger) Name() string { return "datalog" }

func (l *Logger) clock() timex.Clock {
	if l.Clock == nil {
		return timex.System
	}
	return l.Clock
}

// Available reports whether the card was initialised.
func (l *Logger) Available() bool { return l.available.Load() }

// InitStorage prepares the directory layout. Failure leaves the logger
// unavailable and raises the storage warning in the telemetry record.
func (l *Logger) InitStorage(ctx context.Context) error {
	log := logging.Or(l.Log).With("svc", "datalog")
	err := l.withCard(ctx, func() error {
		for _, d := range []string{RawDir, ScaledDir} {
			if err := l.FS.MkdirAll(d); err != nil {
				return err
			}
		}
		return nil
	})
	l.available.Store(err == nil)
	l.Tel.SetStorageWarning(err != nil)
	if err != nil {
		log.Warn("storage_unavailable", "err", err)
		return errcode.Wrap(errcode.StorageUnavailable, "datalog init", err)
	}
	log.Info("storage_ready")
	return nil
}

// withCard runs fn while holding the SPI bus in storage mode.
func (l *Logger) withCard(ctx context.Context, fn func() error) error {
	if l.Arb == nil {
		return fn()
	}
	lease, err := l.Arb.Acquire(ctx, arbiter.SPI, arbiter.OwnerStorage, l.AcquireAttempts)
	if err != nil {
		return err
	}
	defer lease.Release()
	if _, err := l.Arb.ConfigureSPI(lease, arbiter.SPIStorage); err != nil {
		return err
	}
	return fn()
}

// Run appends the current snapshot to today's files.
func (l *Logger) Run(ctx context.Context) error {
	if !l.Available() {
		return errcode.StorageUnavailable
	}
	now := l.clock().Now()
	snap := l.Tel.Snapshot()
	return l.withCard(ctx, func() error {
		return errors.Join(
			l.appendRow(RawDir, now, snap, func(r types.Reading) *float64 { return r.Raw }),
			l.appendRow(ScaledDir, now, snap, func(r types.Reading) *float64 { return r.Scaled }),
		)
	})
}

// FileName returns the day file for t inside dir.
func FileName(dir string, t time.Time) string {
	return path.Join(dir, t.Format(time.DateOnly)+".csv")
}

func (l *Logger) appendRow(dir string, now time.Time, snap types.Snapshot, pick func(types.Reading) *float64) error {
	name := FileName(dir, now)
	ok, err := l.FS.Exists(name)
	if err != nil {
		return err
	}
	if !ok {
		if err := l.writeHeader(name); err != nil {
			return err
		}
	}
	f, err := l.FS.Append(name)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.UseCRLF = true
	_ = w.Write(Row(l.Cfg.SensorList, now, snap, pick))
	w.Flush()
	return errors.Join(w.Error(), f.Close())
}

func (l *Logger) writeHeader(name string) error {
	f, err := l.FS.Create(name)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.UseCRLF = true
	_ = w.Write(Header(l.Cfg.SensorList))
	w.Flush()
	return errors.Join(w.Error(), f.Close())
}

// Header is the first line of every day file.
func Header(ids []types.SensorID) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, "timestamp")
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

// Row formats one record. Values use two decimals; a missing sensor or value
// leaves the field empty.
func Row(ids []types.SensorID, now time.Time, snap types.Snapshot, pick func(types.Reading) *float64) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, now.Format("2006-01-02 15:04"))
	for _, id := range ids {
		r, ok := snap.Readings[id]
		if !ok {
			out = append(out, "")
			continue
		}
		v := pick(r)
		if v == nil {
			out = append(out, "")
			continue
		}
		out = append(out, strconv.FormatFloat(*v, 'f', 2, 64))
	}
	return out
}
