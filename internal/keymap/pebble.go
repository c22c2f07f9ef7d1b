package keymap

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Pebble is a Map over a pebble database on an in-memory VFS. It trades
// the Tree's simplicity for pebble's write path, which makes it the
// backend of choice for soak workloads that churn far more bytes than fit
// comfortably in a single B-tree.
type Pebble struct {
	db *pebble.DB
}

func NewPebble() (*Pebble, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open pebble keymap: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (p *Pebble) Set(key, value []byte) error {
	return p.db.Set(key, value, pebble.NoSync)
}

func (p *Pebble) Delete(key []byte) (bool, error) {
	_, ok, err := p.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := p.db.Delete(key, pebble.NoSync); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pebble) AscendFrom(start []byte, fn func(key, value []byte) bool) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: start})
	if err != nil {
		return fmt.Errorf("create pebble iterator: %w", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if !fn(iter.Key(), value) {
			break
		}
	}
	return iter.Error()
}

func (p *Pebble) Clear() error {
	// Collect first: pebble iterators must not observe writes made
	// underneath them.
	var keys [][]byte
	err := p.AscendFrom(nil, func(key, _ []byte) bool {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.db.Delete(k, pebble.NoSync); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
