package kv

import "time"

// Device limits for the emulated device class. Keys and values outside
// these bounds are rejected before any state is touched.
const (
	MaxKeyLength   = 255
	MaxValueLength = 2 << 20
)

// StoreOption controls the behavior of Device.Store for existing keys.
type StoreOption uint8

const (
	// StoreDefault overwrites the value of an existing key.
	StoreDefault StoreOption = iota
	// StoreIdempotent rejects a store against an existing key with ErrKeyExists.
	StoreIdempotent
)

// PurgeOption selects the purge flavor. Only PurgeDefault is supported by
// the emulator.
type PurgeOption uint8

const (
	PurgeDefault PurgeOption = iota
	// PurgeKVFormat would low-level format a real device; unsupported here.
	PurgeKVFormat
)

// IteratorMode selects what an iterator yields and whether yielded entries
// are removed from the store.
type IteratorMode uint8

const (
	// IterKeysOnly yields keys.
	IterKeysOnly IteratorMode = iota
	// IterKeyValue yields keys and values.
	IterKeyValue
	// IterKeyValueDelete yields keys and values and removes each yielded
	// entry from the store.
	IterKeyValueDelete
)

// IncludesValues reports whether the mode serializes values.
func (m IteratorMode) IncludesValues() bool {
	return m == IterKeyValue || m == IterKeyValueDelete
}

// DeletesOnRead reports whether yielded entries are removed from the store.
func (m IteratorMode) DeletesOnRead() bool {
	return m == IterKeyValueDelete
}

// IteratorInfo describes one open iterator, as reported by ListIterators.
type IteratorInfo struct {
	ID        uint32
	Mode      IteratorMode
	Condition GroupCondition
}

// BatchResult reports the outcome of one Iterator.NextBatch call.
// More=true means the buffer filled before the matching range was
// exhausted; the caller should retry with a fresh buffer. It is a status,
// not an error.
type BatchResult struct {
	Records int
	Bytes   int
	More    bool
}

// Iterator is a resumable cursor over the contiguous range of keys
// matching a GroupCondition. Iterators must be closed after use; closing
// an already closed iterator is a no-op.
type Iterator interface {
	// Next copies the next matching key (and value, if the mode includes
	// values) into the caller buffers and returns the copied lengths.
	// It fails ErrBufferTooSmall without consuming the entry when a buffer
	// cannot hold it, and ErrIteratorEnded once the range is exhausted.
	Next(keyBuf, valBuf []byte) (keyLen, valLen int, err error)

	// NextBatch serializes as many matching records as fit into buf using
	// the batch record format: [4B LE key length, unless fixed key length]
	// [key][4B LE value length][value], value fields only when the mode
	// includes values.
	NextBatch(buf []byte) (BatchResult, error)

	Close() error
}

// InterruptHandler is invoked by a completion queue when events are ready.
// The synchronous emulator core never invokes it.
type InterruptHandler func(events int)

// Device is the storage core of an emulated key-value device.
type Device interface {
	// Store inserts or updates an entry and returns the bytes consumed:
	// key+value length on insert, value length on update.
	Store(key, value []byte, opt StoreOption) (int, error)

	// Retrieve copies min(len(stored)-offset, len(buf)) value bytes
	// starting at offset into buf and returns the count copied.
	Retrieve(key []byte, offset uint32, buf []byte) (int, error)

	// Exist sets bit i (byte i/8, bit i%8) of bitmap iff keys[i] is
	// present, and returns the number of bitmap bytes written. The bitmap
	// must hold at least ceil(len(keys)/8) bytes.
	Exist(keys [][]byte, bitmap []byte) (int, error)

	// Delete removes an entry and returns the bytes reclaimed. Deleting an
	// absent key succeeds with 0.
	Delete(key []byte) (int, error)

	// Purge removes every entry and resets available capacity.
	Purge(opt PurgeOption) error

	// DeleteGroup removes the contiguous range of keys matching cond and
	// returns the total bytes reclaimed.
	DeleteGroup(cond GroupCondition) (int, error)

	// OpenIterator creates a cursor positioned at the start of cond's key
	// range. It fails ErrTooManyIterators past the configured bound.
	OpenIterator(mode IteratorMode, cond GroupCondition, fixedKeyLen bool) (Iterator, error)

	// ListIterators writes descriptors of up to len(dst) open iterators
	// into dst and returns the count written.
	ListIterators(dst []IteratorInfo) int

	// SetInterruptHandler and PollCompletion are queue-layer entry points;
	// the synchronous core fails them with ErrDeviceNotInitialized.
	SetInterruptHandler(h InterruptHandler) error
	PollCompletion(timeout time.Duration) (int, error)

	TotalCapacity() uint64
	Available() uint64

	// Close releases the device's backing storage. Closing twice is a
	// no-op; other operations after Close fail ErrDeviceClosed.
	Close() error
}
