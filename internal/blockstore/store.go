// Package blockstore is the content-addressed block store of a node.
//
// Blocks are immutable and keyed by their Link. Aliases are durable, named
// pointers to a root block (one per stream). Temporary pins are in-memory
// holds taken while a sync is in flight. Garbage collection keeps everything
// reachable from an alias or a temporary pin and deletes the rest.
package blockstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound     = errors.New("block not found")
	ErrHashMismatch = errors.New("block does not match its link")
)

var (
	blockPrefix = []byte("b/")
	aliasPrefix = []byte("a/")
)

// LinksFunc extracts the child links of a block.
type LinksFunc func(data []byte) ([]Link, error)

// Fetcher retrieves blocks that are not available locally.
type Fetcher interface {
	FetchBlock(ctx context.Context, link Link) ([]byte, error)
}

// Store is a leveldb-backed block store.
type Store struct {
	db *leveldb.DB

	// gcMu is held exclusively by GC and shared by Hold.
	gcMu sync.RWMutex

	pinMu sync.Mutex
	pins  map[string]map[Link]struct{}
}

// Open opens or creates a store in directory path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open block store %s", path)
	}
	return newStore(db), nil
}

// OpenMem opens a store that lives only in memory.
func OpenMem() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory block store")
	}
	return newStore(db), nil
}

func newStore(db *leveldb.DB) *Store {
	return &Store{db: db, pins: make(map[string]map[Link]struct{})}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func blockKey(l Link) []byte {
	return append(append(make([]byte, 0, len(blockPrefix)+len(l)), blockPrefix...), l[:]...)
}

func aliasKey(name []byte) []byte {
	return append(append(make([]byte, 0, len(aliasPrefix)+len(name)), aliasPrefix...), name...)
}

// Get returns the block addressed by l, or ErrNotFound.
func (s *Store) Get(l Link) ([]byte, error) {
	data, err := s.db.Get(blockKey(l), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "get %s", l)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", l)
	}
	return data, nil
}

// Has reports whether the block is stored locally.
func (s *Store) Has(l Link) (bool, error) {
	ok, err := s.db.Has(blockKey(l), nil)
	if err != nil {
		return false, errors.Wrapf(err, "has %s", l)
	}
	return ok, nil
}

// Put stores a single verified block.
func (s *Store) Put(b Block) error {
	return s.PutMany([]Block{b})
}

// PutMany stores blocks in one atomic batch. Every block is verified first;
// a single bad block rejects the whole batch.
func (s *Store) PutMany(blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, b := range blocks {
		if err := b.Verify(); err != nil {
			return err
		}
		batch.Put(blockKey(b.Link), b.Data)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "write blocks")
	}
	return nil
}

// SetAlias points the named alias at l. A zero link removes the alias.
func (s *Store) SetAlias(name []byte, l Link) error {
	var err error
	if l.IsZero() {
		err = s.db.Delete(aliasKey(name), nil)
	} else {
		err = s.db.Put(aliasKey(name), l[:], nil)
	}
	return errors.Wrap(err, "set alias")
}

// Alias resolves a named alias.
func (s *Store) Alias(name []byte) (Link, bool, error) {
	raw, err := s.db.Get(aliasKey(name), nil)
	if err == leveldb.ErrNotFound {
		return Link{}, false, nil
	}
	if err != nil {
		return Link{}, false, errors.Wrap(err, "get alias")
	}
	l, err := LinkFromBytes(raw)
	if err != nil {
		return Link{}, false, errors.Wrap(err, "corrupt alias")
	}
	return l, true, nil
}

// Aliases returns every alias name with its target.
func (s *Store) Aliases() (map[string]Link, error) {
	out := make(map[string]Link)
	iter := s.db.NewIterator(util.BytesPrefix(aliasPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		l, err := LinkFromBytes(iter.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt alias %q", iter.Key())
		}
		out[string(iter.Key()[len(aliasPrefix):])] = l
	}
	return out, errors.Wrap(iter.Error(), "iterate aliases")
}

// Hold blocks garbage collection until the returned release func is called.
// Use it around write sequences whose blocks only become reachable at the
// end, such as a commit followed by an alias update.
func (s *Store) Hold() (release func()) {
	s.gcMu.RLock()
	return s.gcMu.RUnlock
}
