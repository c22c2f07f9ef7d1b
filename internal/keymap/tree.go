package keymap

import (
	"bytes"

	"github.com/google/btree"
)

const treeDegree = 32

type entry struct {
	key   []byte
	value []byte
}

func entryLess(a, b entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Tree is the in-memory Map implementation over a B-tree.
type Tree struct {
	tr *btree.BTreeG[entry]
}

func NewTree() *Tree {
	return &Tree{tr: btree.NewG(treeDegree, entryLess)}
}

func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	e, ok := t.tr.Get(entry{key: key})
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (t *Tree) Set(key, value []byte) error {
	t.tr.ReplaceOrInsert(entry{
		key:   bytes.Clone(key),
		value: bytes.Clone(value),
	})
	return nil
}

func (t *Tree) Delete(key []byte) (bool, error) {
	_, ok := t.tr.Delete(entry{key: key})
	return ok, nil
}

func (t *Tree) AscendFrom(start []byte, fn func(key, value []byte) bool) error {
	t.tr.AscendGreaterOrEqual(entry{key: start}, func(e entry) bool {
		return fn(e.key, e.value)
	})
	return nil
}

func (t *Tree) Clear() error {
	t.tr.Clear(false)
	return nil
}

func (t *Tree) Close() error {
	t.tr.Clear(false)
	return nil
}
