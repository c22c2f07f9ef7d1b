// Package emulator implements the storage core of an emulated key-value
// device: a capacity-bounded, concurrency-safe store with prefix-group
// deletion and a bounded, resumable iteration protocol. All state is
// volatile; the surrounding queue layer owns async completion semantics.
package emulator

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvadi/kvemu/internal/keymap"
	"github.com/kvadi/kvemu/internal/latency"
	"github.com/kvadi/kvemu/pkg/kv"
)

// DefaultMaxIterators is the device-wide open-iterator bound used when the
// config does not set one.
const DefaultMaxIterators = 16

// Config configures one emulated device.
type Config struct {
	// Capacity in bytes; 0 means unconstrained.
	Capacity uint64

	// MaxIterators bounds simultaneously open iterators; 0 selects
	// DefaultMaxIterators.
	MaxIterators int

	// Backend is the ordered map holding the entries; nil selects the
	// in-memory B-tree.
	Backend keymap.Map

	// Latency, when non-nil, enables per-operation latency simulation for
	// store and retrieve.
	Latency *latency.Model

	// QueueOffset is the shared queue-latency adjustment subtracted from
	// modeled latencies. Optional; nil means no adjustment.
	QueueOffset *latency.QueueOffset

	// Logger for device warnings; nil discards them.
	Logger *zerolog.Logger
}

// Emulator is the synchronous storage core. It implements kv.Device.
type Emulator struct {
	// mu serializes every access to entries, available and storeOps,
	// including the scanning part of iteration.
	mu        sync.Mutex
	entries   keymap.Map
	capacity  uint64
	available uint64
	storeOps  uint64

	// itMu serializes the iterator registry only; per-handle cursor state
	// has its own lock (see iterator.go).
	itMu         sync.Mutex
	iterators    map[uint32]*iterator
	maxIterators int
	lastID       uint32

	model  *latency.Model
	offset *latency.QueueOffset
	log    zerolog.Logger

	closed atomic.Bool
}

var _ kv.Device = (*Emulator)(nil)

func New(cfg Config) *Emulator {
	backend := cfg.Backend
	if backend == nil {
		backend = keymap.NewTree()
	}
	maxIt := cfg.MaxIterators
	if maxIt <= 0 {
		maxIt = DefaultMaxIterators
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Emulator{
		entries:      backend,
		capacity:     cfg.Capacity,
		available:    cfg.Capacity,
		iterators:    make(map[uint32]*iterator),
		maxIterators: maxIt,
		model:        cfg.Latency,
		offset:       cfg.QueueOffset,
		log:          logger,
	}
}

// Store inserts or updates an entry. On insert it consumes
// len(key)+len(value) bytes of capacity, on update the net value delta.
func (e *Emulator) Store(key, value []byte, opt kv.StoreOption) (int, error) {
	if len(key) == 0 || len(key) > kv.MaxKeyLength {
		return 0, kv.ErrInvalidKey
	}
	if len(value) > kv.MaxValueLength {
		return 0, kv.ErrInvalidValue
	}
	if opt != kv.StoreDefault && opt != kv.StoreIdempotent {
		return 0, kv.ErrInvalidOption
	}

	begin := time.Now()
	kind := latency.OpInsert

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return 0, kv.ErrDeviceClosed
	}
	if e.capacity != 0 && e.available < uint64(len(key)+len(value)) {
		e.mu.Unlock()
		return 0, kv.ErrCapacityExceeded
	}

	old, exists, err := e.entries.Get(key)
	if err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("store lookup: %w", err)
	}

	var consumed int
	if exists {
		if opt == kv.StoreIdempotent {
			e.mu.Unlock()
			return 0, kv.ErrKeyExists
		}
		if err := e.entries.Set(key, value); err != nil {
			e.mu.Unlock()
			return 0, fmt.Errorf("store update: %w", err)
		}
		// Reclaim the old value, charge the new one.
		if e.capacity != 0 {
			e.available += uint64(len(old))
			e.available -= uint64(len(value))
		}
		consumed = len(value)
		kind = latency.OpUpdate
	} else {
		if err := e.entries.Set(key, value); err != nil {
			e.mu.Unlock()
			return 0, fmt.Errorf("store insert: %w", err)
		}
		if e.capacity != 0 {
			e.available -= uint64(len(key) + len(value))
		}
		consumed = len(key) + len(value)
	}
	e.storeOps++
	e.mu.Unlock()

	e.simulateLatency(begin, kind, len(value))
	return consumed, nil
}

// Retrieve copies value bytes starting at offset into buf.
func (e *Emulator) Retrieve(key []byte, offset uint32, buf []byte) (int, error) {
	if len(key) == 0 {
		return 0, kv.ErrInvalidKey
	}

	begin := time.Now()

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return 0, kv.ErrDeviceClosed
	}
	stored, ok, err := e.entries.Get(key)
	if err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("retrieve lookup: %w", err)
	}
	if !ok {
		e.mu.Unlock()
		return 0, kv.ErrKeyNotFound
	}
	if uint64(offset) >= uint64(len(stored)) {
		e.mu.Unlock()
		return 0, kv.ErrInvalidOffset
	}
	n := copy(buf, stored[offset:])
	e.mu.Unlock()

	e.simulateLatency(begin, latency.OpRead, n)
	return n, nil
}

// Exist fills bitmap with one presence bit per key.
func (e *Emulator) Exist(keys [][]byte, bitmap []byte) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n := (len(keys)-1)/8 + 1
	if len(bitmap) < n {
		return 0, kv.ErrBufferTooSmall
	}
	for i := range bitmap[:n] {
		bitmap[i] = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return 0, kv.ErrDeviceClosed
	}
	for i, key := range keys {
		_, ok, err := e.entries.Get(key)
		if err != nil {
			return 0, fmt.Errorf("exist lookup: %w", err)
		}
		if ok {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	return n, nil
}

// Delete removes an entry, reclaiming its bytes. Deleting an absent key
// succeeds as a no-op.
func (e *Emulator) Delete(key []byte) (int, error) {
	if len(key) == 0 {
		return 0, kv.ErrInvalidKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return 0, kv.ErrDeviceClosed
	}

	old, ok, err := e.entries.Get(key)
	if err != nil {
		return 0, fmt.Errorf("delete lookup: %w", err)
	}
	if !ok {
		return 0, nil
	}
	if _, err := e.entries.Delete(key); err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	recovered := len(key) + len(old)
	if e.capacity != 0 {
		e.available += uint64(recovered)
	}
	return recovered, nil
}

// Purge removes every entry and resets available capacity.
func (e *Emulator) Purge(opt kv.PurgeOption) error {
	if opt != kv.PurgeDefault {
		e.log.Warn().Uint8("option", uint8(opt)).Msg("only default purge option is supported")
		return kv.ErrInvalidOption
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return kv.ErrDeviceClosed
	}
	if err := e.entries.Clear(); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	e.available = e.capacity
	return nil
}

// DeleteGroup removes the contiguous range of keys matching cond, scanning
// upward from the condition's start key and stopping at the first
// non-matching key.
func (e *Emulator) DeleteGroup(cond kv.GroupCondition) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return 0, kv.ErrDeviceClosed
	}

	var doomed [][]byte
	recovered := 0
	err := e.entries.AscendFrom(cond.StartKey(), func(key, value []byte) bool {
		if !cond.Match(key) {
			return false
		}
		doomed = append(doomed, bytes.Clone(key))
		recovered += len(key) + len(value)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("delete group scan: %w", err)
	}
	for _, key := range doomed {
		if _, err := e.entries.Delete(key); err != nil {
			return 0, fmt.Errorf("delete group: %w", err)
		}
	}
	if e.capacity != 0 {
		e.available += uint64(recovered)
	}
	return recovered, nil
}

// SetInterruptHandler belongs to the completion-queue layer above the
// storage core.
func (e *Emulator) SetInterruptHandler(h kv.InterruptHandler) error {
	return kv.ErrDeviceNotInitialized
}

// PollCompletion belongs to the completion-queue layer above the storage
// core.
func (e *Emulator) PollCompletion(timeout time.Duration) (int, error) {
	return 0, kv.ErrDeviceNotInitialized
}

func (e *Emulator) TotalCapacity() uint64 {
	return e.capacity
}

// Available returns the remaining capacity in bytes. It is meaningful only
// for bounded devices.
func (e *Emulator) Available() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

// StoreOps returns how many store operations completed on this device.
func (e *Emulator) StoreOps() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeOps
}

// Close releases the backing map. Operations after Close fail
// ErrDeviceClosed; closing twice is a no-op.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.entries.Close()
}

// simulateLatency sleeps the calling goroutine for the modeled duration of
// the operation, minus the shared queue-latency offset. Called after the
// map lock is released; only the caller's return is delayed.
func (e *Emulator) simulateLatency(begin time.Time, kind latency.OpKind, size int) {
	if e.model == nil {
		return
	}
	e.model.Collect(kind, size)
	d := e.model.ExpectedLatency()
	if e.offset != nil {
		d -= e.offset.Get()
	}
	latency.WaitUntil(begin, d)
}
