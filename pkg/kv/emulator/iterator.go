package emulator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/kvadi/kvemu/pkg/kv"
)

// iterator is one open cursor over the contiguous range of keys matching
// its condition. The cursor holds the key to resume from; scans seek to
// the first stored key >= cursor.
//
// mu covers cursor, ended and closed and is held for the whole of a
// Next/NextBatch call, so Close (which also takes mu) cannot release the
// handle while a scan is in flight. Lock order is handle mu before the
// device map lock; the registry lock never nests inside either.
type iterator struct {
	em          *Emulator
	id          uint32
	mode        kv.IteratorMode
	cond        kv.GroupCondition
	fixedKeyLen bool

	mu     sync.Mutex
	cursor []byte
	ended  bool
	closed bool
}

var _ kv.Iterator = (*iterator)(nil)

// OpenIterator registers a new cursor positioned at the condition's start
// key. It fails kv.ErrTooManyIterators at the configured bound.
func (e *Emulator) OpenIterator(mode kv.IteratorMode, cond kv.GroupCondition, fixedKeyLen bool) (kv.Iterator, error) {
	if e.closed.Load() {
		return nil, kv.ErrDeviceClosed
	}
	if mode != kv.IterKeysOnly && mode != kv.IterKeyValue && mode != kv.IterKeyValueDelete {
		return nil, kv.ErrInvalidOption
	}

	e.itMu.Lock()
	defer e.itMu.Unlock()

	if len(e.iterators) >= e.maxIterators {
		return nil, kv.ErrTooManyIterators
	}
	e.lastID++
	it := &iterator{
		em:          e,
		id:          e.lastID,
		mode:        mode,
		cond:        cond,
		fixedKeyLen: fixedKeyLen,
		cursor:      cond.StartKey(),
	}
	e.iterators[it.id] = it
	return it, nil
}

// ListIterators writes descriptors of up to len(dst) open iterators into
// dst, ordered by id, and returns the count written.
func (e *Emulator) ListIterators(dst []kv.IteratorInfo) int {
	e.itMu.Lock()
	defer e.itMu.Unlock()

	ids := make([]uint32, 0, len(e.iterators))
	for id := range e.iterators {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := 0
	for _, id := range ids {
		if n >= len(dst) {
			break
		}
		it := e.iterators[id]
		dst[n] = kv.IteratorInfo{ID: it.id, Mode: it.mode, Condition: it.cond}
		n++
	}
	return n
}

// Close deregisters the iterator. It waits for any in-flight scan on this
// handle to finish first; closing twice is a no-op.
func (it *iterator) Close() error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	it.mu.Unlock()

	it.em.itMu.Lock()
	delete(it.em.iterators, it.id)
	it.em.itMu.Unlock()
	return nil
}

// Next yields the next matching entry into the caller buffers.
//
// The buffer-size checks run against the caller's capacities before any
// output is written; on kv.ErrBufferTooSmall the cursor stays on the found
// entry so a retry with a larger buffer returns it.
func (it *iterator) Next(keyBuf, valBuf []byte) (int, int, error) {
	includeValue := it.mode.IncludesValues()
	if keyBuf == nil || (includeValue && valBuf == nil) {
		return 0, 0, kv.ErrNullParam
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return 0, 0, kv.ErrIteratorClosed
	}
	if it.ended {
		return 0, 0, kv.ErrIteratorEnded
	}

	e := it.em
	var foundKey, foundValue, following []byte
	found := false

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return 0, 0, kv.ErrDeviceClosed
	}
	err := e.entries.AscendFrom(it.cursor, func(key, value []byte) bool {
		if !found {
			if !it.cond.Match(key) {
				return false
			}
			foundKey = bytes.Clone(key)
			foundValue = bytes.Clone(value)
			found = true
			// Keep going one step to learn the resumption key.
			return true
		}
		following = bytes.Clone(key)
		return false
	})
	if err != nil {
		e.mu.Unlock()
		return 0, 0, fmt.Errorf("iterator scan: %w", err)
	}
	if !found {
		e.mu.Unlock()
		it.ended = true
		return 0, 0, kv.ErrIteratorEnded
	}
	if len(keyBuf) < len(foundKey) || (includeValue && len(valBuf) < len(foundValue)) {
		e.mu.Unlock()
		it.cursor = foundKey
		return 0, 0, kv.ErrBufferTooSmall
	}
	if it.mode.DeletesOnRead() {
		if _, err := e.entries.Delete(foundKey); err != nil {
			e.mu.Unlock()
			return 0, 0, fmt.Errorf("iterator delete: %w", err)
		}
		if e.capacity != 0 {
			e.available += uint64(len(foundKey) + len(foundValue))
		}
	}
	e.mu.Unlock()

	keyLen := copy(keyBuf, foundKey)
	valLen := 0
	if includeValue {
		valLen = copy(valBuf, foundValue)
	}
	if following != nil {
		it.cursor = following
	} else {
		it.ended = true
	}
	return keyLen, valLen, nil
}

// NextBatch serializes matching records into buf until the range or the
// buffer is exhausted. A full buffer is reported as More=true, not an
// error; the unconsumed entry becomes the new cursor. Once the range is
// exhausted the iterator is Ended and further batches are empty successes.
func (it *iterator) NextBatch(buf []byte) (kv.BatchResult, error) {
	if buf == nil {
		return kv.BatchResult{}, kv.ErrNullParam
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return kv.BatchResult{}, kv.ErrIteratorClosed
	}
	if it.ended {
		return kv.BatchResult{}, nil
	}

	includeValue := it.mode.IncludesValues()
	deleteOnRead := it.mode.DeletesOnRead()

	var (
		res        kv.BatchResult
		pos        int
		nextCursor []byte
		doomed     [][]byte
		reclaimed  int
	)

	e := it.em
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return kv.BatchResult{}, kv.ErrDeviceClosed
	}
	err := e.entries.AscendFrom(it.cursor, func(key, value []byte) bool {
		if !it.cond.Match(key) {
			return false
		}

		size := len(key)
		if !it.fixedKeyLen {
			size += 4
		}
		if includeValue {
			size += 4 + len(value)
		}
		if pos+size > len(buf) {
			// Record does not fit; resume here next call.
			res.More = true
			nextCursor = bytes.Clone(key)
			return false
		}

		if !it.fixedKeyLen {
			binary.LittleEndian.PutUint32(buf[pos:], uint32(len(key)))
			pos += 4
		}
		pos += copy(buf[pos:], key)
		if includeValue {
			binary.LittleEndian.PutUint32(buf[pos:], uint32(len(value)))
			pos += 4
			pos += copy(buf[pos:], value)
		}
		res.Records++

		if deleteOnRead {
			doomed = append(doomed, bytes.Clone(key))
			reclaimed += len(key) + len(value)
		}
		return true
	})
	if err == nil {
		for _, key := range doomed {
			if _, err = e.entries.Delete(key); err != nil {
				break
			}
		}
	}
	if err == nil && e.capacity != 0 {
		e.available += uint64(reclaimed)
	}
	e.mu.Unlock()
	if err != nil {
		return kv.BatchResult{}, fmt.Errorf("iterator batch scan: %w", err)
	}

	res.Bytes = pos
	if res.More {
		it.cursor = nextCursor
	} else {
		it.ended = true
	}
	return res, nil
}
