package kv

import "encoding/binary"

// GroupCondition is a bitmask/pattern filter over the leading 4 bytes of a
// key. Keys are compared big-endian so that the numeric order of prefixes
// equals the byte order of keys; all keys matching a condition then form
// one contiguous range starting at StartKey.
type GroupCondition struct {
	Bitmask uint32
	Pattern uint32
}

// Match reports whether key's leading 4 bytes satisfy the condition.
// A zero bitmask matches every key. Keys shorter than 4 bytes are
// zero-padded for the comparison.
func (c GroupCondition) Match(key []byte) bool {
	return keyPrefix(key)&c.Bitmask == c.Bitmask&c.Pattern
}

// StartKey returns the 4-byte key at which the condition's matching range
// begins: the big-endian encoding of Bitmask & Pattern.
func (c GroupCondition) StartKey() []byte {
	start := make([]byte, 4)
	binary.BigEndian.PutUint32(start, c.Bitmask&c.Pattern)
	return start
}

func keyPrefix(key []byte) uint32 {
	var p [4]byte
	copy(p[:], key)
	return binary.BigEndian.Uint32(p[:])
}
