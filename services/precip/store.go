// services/precip/store.go
package precip

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/logging"
	"rtucode-go/x/timex"
)

const (
	// DefaultInterval is the bucket spacing in seconds.
	DefaultInterval = 300
	// DefaultRetention is the maximum number of buckets kept.
	DefaultRetention = 300

	Hour        = time.Hour
	TwelveHours = 12 * time.Hour
)

// Bucket is one durable (time, cumulative count) record.
type Bucket struct {
	Key   uint32 `json:"t"`
	Total uint32 `json:"total"`
}

// Windows holds the values computed by one recording step.
type Windows struct {
	Total  uint32
	Hour   uint32
	Twelve uint32
}

// Store is the cumulative tip counter backed by an Index.
type Store struct {
	mu        sync.Mutex
	idx       Index
	interval  int64
	retention int
	total     uint32
	log       *slog.Logger
}

// Option adjusts a Store.
type Option func(*Store)

func WithInterval(sec int64) Option { return func(s *Store) { s.interval = sec } }
func WithRetention(n int) Option    { return func(s *Store) { s.retention = n } }
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(idx Index, opts ...Option) *Store {
	s := &Store{
		idx:       idx,
		interval:  DefaultInterval,
		retention: DefaultRetention,
	}
	for _, o := range opts {
		o(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.retention < 1 {
		s.retention = 1
	}
	s.log = logging.Or(s.log).With("svc", "precip")
	return s
}

// Reload loads the running total from the newest bucket, or seeds a zero
// bucket at key 0 when the index is empty.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.idx.Keys()
	if err != nil {
		return errcode.Wrap(errcode.StorageUnavailable, "precip reload", err)
	}
	if len(keys) == 0 {
		s.total = 0
		if err := s.idx.Put(encode(0), encode(0)); err != nil {
			return errcode.Wrap(errcode.StorageUnavailable, "precip seed", err)
		}
		return s.idx.Flush()
	}
	v, ok, err := s.idx.Get(keys[len(keys)-1])
	if err != nil {
		return errcode.Wrap(errcode.StorageUnavailable, "precip reload", err)
	}
	if !ok {
		return &errcode.E{C: errcode.CorruptStore, Op: "precip reload", Msg: "newest key vanished"}
	}
	s.total = decode(v)
	s.log.Info("precip_reloaded", "buckets", len(keys), "total", s.total)
	return nil
}

// Total returns the in-memory cumulative count.
func (s *Store) Total() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// RecordTickCount adds n pulses, writes the bucket for the interval that
// contains now and returns the total plus the 1 h and 12 h deltas.
func (s *Store) RecordTickCount(n uint32, now time.Time) (Windows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.total + n
	key := uint32(timex.RoundUp(now.Unix(), s.interval))
	kb := encode(key)

	_, exists, err := s.idx.Get(kb)
	if err != nil {
		return Windows{}, errcode.Wrap(errcode.StorageUnavailable, "precip get", err)
	}
	if !exists {
		if err := s.evict(s.retention - 1); err != nil {
			return Windows{}, err
		}
	}
	if err := s.idx.Put(kb, encode(next)); err != nil {
		return Windows{}, errcode.Wrap(errcode.StorageUnavailable, "precip put", err)
	}
	if err := s.idx.Flush(); err != nil {
		return Windows{}, errcode.Wrap(errcode.StorageUnavailable, "precip flush", err)
	}
	s.total = next

	keys, err := s.idx.Keys()
	if err != nil {
		return Windows{}, errcode.Wrap(errcode.StorageUnavailable, "precip keys", err)
	}
	w := Windows{Total: s.total}
	if w.Hour, err = s.window(keys, int64(key), Hour); err != nil {
		return Windows{}, err
	}
	if w.Twelve, err = s.window(keys, int64(key), TwelveHours); err != nil {
		return Windows{}, err
	}
	return w, nil
}

// Window returns the delta over d ending at now without writing.
func (s *Store) Window(d time.Duration, now time.Time) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.idx.Keys()
	if err != nil {
		return 0, errcode.Wrap(errcode.StorageUnavailable, "precip keys", err)
	}
	return s.window(keys, timex.RoundUp(now.Unix(), s.interval), d)
}

// window computes total - total_at(end-d). The reference bucket is the newest
// one at or before end-d; failing that, the scan walks forward from end-d in
// interval steps while strictly before end and takes the first bucket hit.
// With no reference bucket the delta is 0.
// caller holds lock
func (s *Store) window(keys [][]byte, end int64, d time.Duration) (uint32, error) {
	start := end - int64(d/time.Second)

	ref, found := int64(-1), false
	for _, k := range keys {
		kv := int64(decode(k))
		if kv > start {
			break
		}
		ref, found = kv, true
	}
	if !found {
		present := make(map[int64]struct{}, len(keys))
		for _, k := range keys {
			present[int64(decode(k))] = struct{}{}
		}
		for t := start; t < end; t += s.interval {
			if _, ok := present[t]; ok {
				ref, found = t, true
				break
			}
		}
	}
	if !found {
		return 0, nil
	}
	v, ok, err := s.idx.Get(encode(uint32(ref)))
	if err != nil {
		return 0, errcode.Wrap(errcode.StorageUnavailable, "precip get", err)
	}
	if !ok {
		return 0, nil
	}
	past := decode(v)
	if past > s.total {
		return 0, nil
	}
	return s.total - past, nil
}

// evict deletes the oldest keys until at most keep remain.
// caller holds lock
func (s *Store) evict(keep int) error {
	keys, err := s.idx.Keys()
	if err != nil {
		return errcode.Wrap(errcode.StorageUnavailable, "precip keys", err)
	}
	excess := len(keys) - keep
	if excess <= 0 {
		return nil
	}
	var errs []error
	for _, k := range keys[:excess] {
		if err := s.idx.Delete(k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errcode.Wrap(errcode.StorageUnavailable, "precip evict", errors.Join(errs...))
	}
	s.log.Debug("precip_evicted", "count", excess)
	return nil
}

// Zero deletes every bucket and resets the running total.
func (s *Store) Zero() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.evict(0); err != nil {
		return err
	}
	s.total = 0
	if err := s.idx.Flush(); err != nil {
		return errcode.Wrap(errcode.StorageUnavailable, "precip flush", err)
	}
	s.log.Info("precip_zeroed")
	return nil
}

// Dump returns every bucket in key order.
func (s *Store) Dump() ([]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.idx.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]Bucket, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.idx.Get(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Bucket{Key: decode(k), Total: decode(v)})
	}
	return out, nil
}

// Close closes the backing index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.idx.Close(); err != nil {
		return fmt.Errorf("precip close: %w", err)
	}
	return nil
}
