// Package keymap provides the ordered byte-key map backing the emulator
// core. Keys are totally ordered by raw byte comparison; both
// implementations own independent copies of everything stored in them.
package keymap

// Map is an ordered mapping of byte keys to byte values.
//
// Implementations are not safe for concurrent use and must not be mutated
// while a scan is in flight; the emulator core serializes access and
// applies scan-driven deletions after the scan returns.
type Map interface {
	// Get returns the value stored under key. The returned slice belongs
	// to the map and must not be modified or retained across mutations.
	Get(key []byte) ([]byte, bool, error)

	// Set stores copies of key and value, replacing any existing entry.
	Set(key, value []byte) error

	// Delete removes key and reports whether an entry was removed.
	Delete(key []byte) (bool, error)

	// AscendFrom visits entries with key >= start in ascending key order
	// until fn returns false. The key and value slices passed to fn are
	// only valid for the duration of the call.
	AscendFrom(start []byte, fn func(key, value []byte) bool) error

	// Clear removes every entry.
	Clear() error

	Close() error
}
