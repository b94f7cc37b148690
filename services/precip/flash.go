package precip

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"

	"rtucode-go/errcode"
	"rtucode-go/services/logging"
)

// BlockDevice is a raw flash region. It matches tinygo's machine.BlockDevice.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	WriteBlockSize() int64
	EraseBlockSize() int64
	EraseBlocks(start, length int64) error
}

const (
	flashMagic  = 0x50524350 // "PRCP"
	flashHeader = 16         // magic, seq, count, crc
	flashRecord = 8          // key, value
)

// FlashIndex keeps every bucket in RAM and writes the whole set to one of
// two flash slots on Flush. Slots alternate and carry a sequence number and
// a CRC, so an interrupted write leaves the previous slot as the newest
// valid copy.
type FlashIndex struct {
	mu       sync.Mutex
	dev      BlockDevice
	mem      *MemIndex
	capacity int
	slotSize int64
	seq      uint32
	active   int // slot holding seq; -1 when none
	dirty    bool
	log      *slog.Logger
}

// OpenFlash loads the newest valid slot from dev. capacity bounds the
// number of buckets; it must cover the store retention.
func OpenFlash(dev BlockDevice, capacity int, log *slog.Logger) (*FlashIndex, error) {
	if capacity < 1 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "precip flash", Msg: "capacity"}
	}
	erase := dev.EraseBlockSize()
	need := int64(flashHeader + capacity*flashRecord)
	slot := (need + erase - 1) / erase * erase
	if 2*slot > dev.Size() {
		return nil, &errcode.E{C: errcode.OutOfRange, Op: "precip flash", Msg: "region too small"}
	}
	x := &FlashIndex{
		dev:      dev,
		mem:      NewMemIndex(),
		capacity: capacity,
		slotSize: slot,
		active:   -1,
		log:      logging.Or(log).With("svc", "precip_flash"),
	}
	best, bestSeq := -1, uint32(0)
	var bestRecs []byte
	for i := 0; i < 2; i++ {
		seq, recs, ok := x.readSlot(i)
		if ok && (best < 0 || seq > bestSeq) {
			best, bestSeq, bestRecs = i, seq, recs
		}
	}
	if best < 0 {
		x.log.Info("precip_flash_empty")
		return x, nil
	}
	for off := 0; off < len(bestRecs); off += flashRecord {
		_ = x.mem.Put(bestRecs[off:off+4], bestRecs[off+4:off+8])
	}
	x.active, x.seq = best, bestSeq
	x.log.Info("precip_flash_loaded", "slot", best, "seq", bestSeq, "buckets", len(bestRecs)/flashRecord)
	return x, nil
}

// readSlot returns the records of slot i when its header and CRC check out.
func (x *FlashIndex) readSlot(i int) (uint32, []byte, bool) {
	var hdr [flashHeader]byte
	base := int64(i) * x.slotSize
	if _, err := x.dev.ReadAt(hdr[:], base); err != nil {
		return 0, nil, false
	}
	if binary.BigEndian.Uint32(hdr[0:]) != flashMagic {
		return 0, nil, false
	}
	seq := binary.BigEndian.Uint32(hdr[4:])
	count := int(binary.BigEndian.Uint32(hdr[8:]))
	if count > x.capacity {
		return 0, nil, false
	}
	recs := make([]byte, count*flashRecord)
	if _, err := x.dev.ReadAt(recs, base+flashHeader); err != nil {
		return 0, nil, false
	}
	if checksum(hdr[4:12], recs) != binary.BigEndian.Uint32(hdr[12:]) {
		return 0, nil, false
	}
	return seq, recs, true
}

func checksum(seqCount, recs []byte) uint32 {
	c := crc32.ChecksumIEEE(seqCount)
	return crc32.Update(c, crc32.IEEETable, recs)
}

func (x *FlashIndex) Get(key []byte) ([]byte, bool, error) { return x.mem.Get(key) }

func (x *FlashIndex) Put(key, val []byte) error {
	if len(key) != 4 || len(val) != 4 {
		return &errcode.E{C: errcode.InvalidParams, Op: "precip flash put", Msg: "want 4-byte key and value"}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok, _ := x.mem.Get(key); !ok {
		if n, _ := x.mem.Len(); n >= x.capacity {
			return &errcode.E{C: errcode.OutOfRange, Op: "precip flash put", Msg: "full"}
		}
	}
	x.dirty = true
	return x.mem.Put(key, val)
}

func (x *FlashIndex) Delete(key []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.dirty = true
	return x.mem.Delete(key)
}

func (x *FlashIndex) Keys() ([][]byte, error) { return x.mem.Keys() }
func (x *FlashIndex) Len() (int, error)       { return x.mem.Len() }

// Flush writes the bucket set into the slot not holding the newest copy.
func (x *FlashIndex) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}
	keys, _ := x.mem.Keys()
	page := x.dev.WriteBlockSize()
	size := int64(flashHeader + len(keys)*flashRecord)
	if page > 0 {
		size = (size + page - 1) / page * page
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	recs := buf[flashHeader : flashHeader+len(keys)*flashRecord]
	for i, k := range keys {
		v, _, _ := x.mem.Get(k)
		copy(recs[i*flashRecord:], k)
		copy(recs[i*flashRecord+4:], v)
	}
	seq := x.seq + 1
	binary.BigEndian.PutUint32(buf[0:], flashMagic)
	binary.BigEndian.PutUint32(buf[4:], seq)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(keys)))
	binary.BigEndian.PutUint32(buf[12:], checksum(buf[4:12], recs))

	target := 0
	if x.active == 0 {
		target = 1
	}
	erase := x.dev.EraseBlockSize()
	base := int64(target) * x.slotSize
	if err := x.dev.EraseBlocks(base/erase, x.slotSize/erase); err != nil {
		return errcode.Wrap(errcode.StorageUnavailable, "precip flash erase", err)
	}
	if _, err := x.dev.WriteAt(buf, base); err != nil {
		return errcode.Wrap(errcode.StorageUnavailable, "precip flash write", err)
	}
	x.seq, x.active, x.dirty = seq, target, false
	return nil
}

// Close flushes pending writes.
func (x *FlashIndex) Close() error { return x.Flush() }
