package emulator

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvadi/kvemu/internal/keymap"
	"github.com/kvadi/kvemu/internal/latency"
	"github.com/kvadi/kvemu/pkg/kv"
)

func newDevice(t *testing.T, cfg Config) *Emulator {
	t.Helper()
	e := New(cfg)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// liveBytes sums key+value lengths over all live entries via a full drain.
func liveBytes(t *testing.T, e *Emulator) uint64 {
	t.Helper()
	it, err := e.OpenIterator(kv.IterKeyValue, kv.GroupCondition{}, false)
	require.NoError(t, err)
	defer it.Close()

	var total uint64
	buf := make([]byte, 1<<16)
	for {
		res, err := it.NextBatch(buf)
		require.NoError(t, err)
		pos := 0
		for i := 0; i < res.Records; i++ {
			klen := int(binary.LittleEndian.Uint32(buf[pos:]))
			pos += 4 + klen
			vlen := int(binary.LittleEndian.Uint32(buf[pos:]))
			pos += 4 + vlen
			total += uint64(klen + vlen)
		}
		if !res.More {
			return total
		}
	}
}

func TestStore(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e *Emulator)
	}{
		{name: "round_trip", fn: testStoreRoundTrip},
		{name: "idempotent_rejects_existing", fn: testStoreIdempotent},
		{name: "capacity_exceeded", fn: testStoreCapacityExceeded},
		{name: "overwrite_accounting", fn: testStoreOverwrite},
		{name: "invalid_arguments", fn: testStoreInvalidArguments},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newDevice(t, Config{Capacity: 1 << 20}))
		})
	}
}

func testStoreRoundTrip(t *testing.T, e *Emulator) {
	key := []byte("key0")
	value := []byte("12345678")

	consumed, err := e.Store(key, value, kv.StoreDefault)
	require.NoError(t, err)
	assert.Equal(t, 12, consumed)
	assert.Equal(t, e.TotalCapacity()-12, e.Available())

	buf := make([]byte, 16)
	n, err := e.Retrieve(key, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, value, buf[:n])

	assert.Equal(t, uint64(1), e.StoreOps())
}

func testStoreIdempotent(t *testing.T, e *Emulator) {
	_, err := e.Store([]byte("key0"), []byte("original"), kv.StoreDefault)
	require.NoError(t, err)
	availBefore := e.Available()

	_, err = e.Store([]byte("key0"), []byte("replacement"), kv.StoreIdempotent)
	assert.ErrorIs(t, err, kv.ErrKeyExists)
	assert.Equal(t, availBefore, e.Available())

	buf := make([]byte, 16)
	n, err := e.Retrieve([]byte("key0"), 0, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), buf[:n])
}

func testStoreCapacityExceeded(t *testing.T, _ *Emulator) {
	e := newDevice(t, Config{Capacity: 10})

	_, err := e.Store([]byte("key"), []byte("12345678"), kv.StoreDefault)
	assert.ErrorIs(t, err, kv.ErrCapacityExceeded)
	assert.Equal(t, uint64(10), e.Available())

	_, err = e.Retrieve([]byte("key"), 0, make([]byte, 8))
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func testStoreOverwrite(t *testing.T, e *Emulator) {
	_, err := e.Store([]byte("key0"), []byte("short"), kv.StoreDefault)
	require.NoError(t, err)

	consumed, err := e.Store([]byte("key0"), []byte("a-much-longer-value"), kv.StoreDefault)
	require.NoError(t, err)
	assert.Equal(t, 19, consumed)
	assert.Equal(t, e.TotalCapacity()-uint64(4+19), e.Available())

	consumed, err = e.Store([]byte("key0"), []byte("tiny"), kv.StoreDefault)
	require.NoError(t, err)
	assert.Equal(t, 4, consumed)
	assert.Equal(t, e.TotalCapacity()-uint64(4+4), e.Available())
}

func testStoreInvalidArguments(t *testing.T, e *Emulator) {
	_, err := e.Store(nil, []byte("v"), kv.StoreDefault)
	assert.ErrorIs(t, err, kv.ErrInvalidKey)

	_, err = e.Store(make([]byte, kv.MaxKeyLength+1), []byte("v"), kv.StoreDefault)
	assert.ErrorIs(t, err, kv.ErrInvalidKey)

	_, err = e.Store([]byte("key0"), make([]byte, kv.MaxValueLength+1), kv.StoreDefault)
	assert.ErrorIs(t, err, kv.ErrInvalidValue)

	_, err = e.Store([]byte("key0"), []byte("v"), kv.StoreOption(99))
	assert.ErrorIs(t, err, kv.ErrInvalidOption)
}

func TestRetrieve(t *testing.T) {
	e := newDevice(t, Config{})
	_, err := e.Store([]byte("key0"), []byte("0123456789"), kv.StoreDefault)
	require.NoError(t, err)

	t.Run("offset_and_partial_copy", func(t *testing.T) {
		buf := make([]byte, 4)
		n, err := e.Retrieve([]byte("key0"), 6, buf)
		require.NoError(t, err)
		assert.Equal(t, []byte("6789"), buf[:n])

		n, err = e.Retrieve([]byte("key0"), 0, buf)
		require.NoError(t, err)
		assert.Equal(t, []byte("0123"), buf[:n])
	})

	t.Run("missing_key", func(t *testing.T) {
		_, err := e.Retrieve([]byte("nope"), 0, make([]byte, 4))
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	})

	t.Run("offset_out_of_range", func(t *testing.T) {
		_, err := e.Retrieve([]byte("key0"), 10, make([]byte, 4))
		assert.ErrorIs(t, err, kv.ErrInvalidOffset)
	})

	t.Run("empty_value_any_offset_invalid", func(t *testing.T) {
		_, err := e.Store([]byte("empty"), nil, kv.StoreDefault)
		require.NoError(t, err)
		_, err = e.Retrieve([]byte("empty"), 0, make([]byte, 4))
		assert.ErrorIs(t, err, kv.ErrInvalidOffset)
	})
}

func TestExist(t *testing.T) {
	e := newDevice(t, Config{})
	for _, k := range []string{"keyA", "keyC"} {
		_, err := e.Store([]byte(k), []byte("v"), kv.StoreDefault)
		require.NoError(t, err)
	}

	t.Run("bitmap", func(t *testing.T) {
		bitmap := make([]byte, 1)
		n, err := e.Exist([][]byte{[]byte("keyA"), []byte("keyB"), []byte("keyC")}, bitmap)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, byte(0b101), bitmap[0])
	})

	t.Run("multi_byte_bitmap", func(t *testing.T) {
		keys := make([][]byte, 9)
		for i := range keys {
			keys[i] = []byte("absent")
		}
		keys[8] = []byte("keyA")
		bitmap := make([]byte, 2)
		n, err := e.Exist(keys, bitmap)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, byte(0), bitmap[0])
		assert.Equal(t, byte(1), bitmap[1])
	})

	t.Run("buffer_too_small", func(t *testing.T) {
		keys := make([][]byte, 9)
		for i := range keys {
			keys[i] = []byte("k")
		}
		_, err := e.Exist(keys, make([]byte, 1))
		assert.ErrorIs(t, err, kv.ErrBufferTooSmall)
	})

	t.Run("zero_keys_noop", func(t *testing.T) {
		n, err := e.Exist(nil, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("stale_bits_cleared", func(t *testing.T) {
		bitmap := []byte{0xFF}
		_, err := e.Exist([][]byte{[]byte("absent")}, bitmap)
		require.NoError(t, err)
		assert.Equal(t, byte(0), bitmap[0])
	})
}

func TestDelete(t *testing.T) {
	e := newDevice(t, Config{Capacity: 100})

	_, err := e.Store([]byte("key0"), []byte("value0"), kv.StoreDefault)
	require.NoError(t, err)

	recovered, err := e.Delete([]byte("key0"))
	require.NoError(t, err)
	assert.Equal(t, 10, recovered)
	assert.Equal(t, uint64(100), e.Available())

	// Absent key is a defined success.
	recovered, err = e.Delete([]byte("key0"))
	require.NoError(t, err)
	assert.Zero(t, recovered)

	_, err = e.Delete(nil)
	assert.ErrorIs(t, err, kv.ErrInvalidKey)
}

func TestPurge(t *testing.T) {
	e := newDevice(t, Config{Capacity: 100})
	for _, k := range []string{"a1", "b2", "c3"} {
		_, err := e.Store([]byte(k), []byte("v"), kv.StoreDefault)
		require.NoError(t, err)
	}

	assert.ErrorIs(t, e.Purge(kv.PurgeKVFormat), kv.ErrInvalidOption)

	require.NoError(t, e.Purge(kv.PurgeDefault))
	assert.Equal(t, uint64(100), e.Available())
	_, err := e.Retrieve([]byte("a1"), 0, make([]byte, 4))
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)

	// Purging an empty store is a defined success.
	require.NoError(t, e.Purge(kv.PurgeDefault))
}

func TestDeleteGroup(t *testing.T) {
	e := newDevice(t, Config{Capacity: 1 << 16})

	stored := map[string]string{
		"AAAA-1": "one",
		"AAAA-2": "twos",
		"AAAB-1": "other",
		"ZZZZ-1": "far",
	}
	for k, v := range stored {
		_, err := e.Store([]byte(k), []byte(v), kv.StoreDefault)
		require.NoError(t, err)
	}

	// Everything whose leading 4 bytes equal "AAAA".
	cond := kv.GroupCondition{Bitmask: 0xFFFFFFFF, Pattern: 0x41414141}
	recovered, err := e.DeleteGroup(cond)
	require.NoError(t, err)
	assert.Equal(t, (6+3)+(6+4), recovered)

	bitmap := make([]byte, 1)
	_, err = e.Exist([][]byte{[]byte("AAAA-1"), []byte("AAAA-2"), []byte("AAAB-1"), []byte("ZZZZ-1")}, bitmap)
	require.NoError(t, err)
	assert.Equal(t, byte(0b1100), bitmap[0])

	// No matches left: success with zero bytes recovered.
	recovered, err = e.DeleteGroup(cond)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

// The accounting invariant available + sum(live entry bytes) == capacity
// must hold after every mutation, whatever the operation mix.
func TestCapacityInvariant(t *testing.T) {
	const capacity = 4096
	e := newDevice(t, Config{Capacity: capacity})
	rng := rand.New(rand.NewSource(7))

	check := func() {
		t.Helper()
		assert.Equal(t, uint64(capacity), e.Available()+liveBytes(t, e))
	}

	for i := 0; i < 400; i++ {
		key := make([]byte, 4+rng.Intn(8))
		binary.BigEndian.PutUint32(key, uint32(rng.Intn(32)))
		value := make([]byte, rng.Intn(64))

		switch rng.Intn(10) {
		case 0:
			_, _ = e.Delete(key)
		case 1:
			_, err := e.DeleteGroup(kv.GroupCondition{Bitmask: 0xFFFFFFF0, Pattern: uint32(rng.Intn(32))})
			require.NoError(t, err)
		case 2:
			require.NoError(t, e.Purge(kv.PurgeDefault))
		default:
			if _, err := e.Store(key, value, kv.StoreDefault); err != nil {
				require.ErrorIs(t, err, kv.ErrCapacityExceeded)
			}
		}
		check()
	}
}

func TestUnboundedCapacity(t *testing.T) {
	e := newDevice(t, Config{})
	big := make([]byte, 1<<20)
	for i := 0; i < 4; i++ {
		key := []byte{byte('a' + i), 'k', 'e', 'y'}
		_, err := e.Store(key, big, kv.StoreDefault)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(0), e.TotalCapacity())
}

func TestQueueStubs(t *testing.T) {
	e := newDevice(t, Config{})

	err := e.SetInterruptHandler(func(events int) {})
	assert.ErrorIs(t, err, kv.ErrDeviceNotInitialized)

	_, err = e.PollCompletion(time.Millisecond)
	assert.ErrorIs(t, err, kv.ErrDeviceNotInitialized)
}

func TestDeviceClose(t *testing.T) {
	e := New(Config{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Store([]byte("key0"), []byte("v"), kv.StoreDefault)
	assert.ErrorIs(t, err, kv.ErrDeviceClosed)
	_, err = e.Retrieve([]byte("key0"), 0, make([]byte, 4))
	assert.ErrorIs(t, err, kv.ErrDeviceClosed)
	_, err = e.OpenIterator(kv.IterKeysOnly, kv.GroupCondition{}, false)
	assert.ErrorIs(t, err, kv.ErrDeviceClosed)
}

func TestLatencySimulation(t *testing.T) {
	model := latency.NewModel([]float64{float64(20 * time.Millisecond)})
	var offset latency.QueueOffset
	offset.Set(5 * time.Millisecond)

	e := newDevice(t, Config{Latency: model, QueueOffset: &offset})

	begin := time.Now()
	_, err := e.Store([]byte("key0"), []byte("value"), kv.StoreDefault)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 15*time.Millisecond)
	assert.Equal(t, uint64(1), model.Samples(latency.OpInsert))

	begin = time.Now()
	_, err = e.Retrieve([]byte("key0"), 0, make([]byte, 8))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 15*time.Millisecond)
	assert.Equal(t, uint64(1), model.Samples(latency.OpRead))
}

// The pebble-backed keymap must behave identically behind the device API.
func TestPebbleBackend(t *testing.T) {
	backend, err := keymap.NewPebble()
	require.NoError(t, err)
	e := newDevice(t, Config{Capacity: 1 << 16, Backend: backend})

	consumed, err := e.Store([]byte("key0"), []byte("12345678"), kv.StoreDefault)
	require.NoError(t, err)
	assert.Equal(t, 12, consumed)

	buf := make([]byte, 8)
	n, err := e.Retrieve([]byte("key0"), 0, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), buf[:n])

	_, err = e.Store([]byte("key1"), []byte("x"), kv.StoreDefault)
	require.NoError(t, err)

	recovered, err := e.DeleteGroup(kv.GroupCondition{})
	require.NoError(t, err)
	assert.Equal(t, 12+5, recovered)
	assert.Equal(t, uint64(1<<16), e.Available())
}
