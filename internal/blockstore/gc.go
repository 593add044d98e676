package blockstore

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// GC deletes every block not reachable from an alias or a temporary pin and
// returns the number of blocks removed.
//
// GC excludes Hold for its whole duration, so blocks written by a holder
// cannot be swept before the holder makes them reachable.
func (s *Store) GC(links LinksFunc) (int, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	aliases, err := s.Aliases()
	if err != nil {
		return 0, err
	}
	roots := s.pinnedLinks()
	for _, l := range aliases {
		roots = append(roots, l)
	}

	live := make(map[Link]struct{})
	stack := roots
	for len(stack) > 0 {
		l := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := live[l]; ok {
			continue
		}
		live[l] = struct{}{}

		data, err := s.db.Get(blockKey(l), nil)
		if err == leveldb.ErrNotFound {
			// pinned roots of an unfinished sync may be missing
			continue
		}
		if err != nil {
			return 0, errors.Wrapf(err, "gc read %s", l)
		}
		children, err := links(data)
		if err != nil {
			return 0, errors.Wrapf(err, "gc links of %s", l)
		}
		stack = append(stack, children...)
	}

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	for iter.Next() {
		l, err := LinkFromBytes(iter.Key()[len(blockPrefix):])
		if err != nil {
			slog.Warn("gc skipping malformed block key", "key", iter.Key(), "error", err)
			continue
		}
		if _, ok := live[l]; !ok {
			batch.Delete(blockKey(l))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, errors.Wrap(err, "gc iterate")
	}

	removed := batch.Len()
	if removed == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, errors.Wrap(err, "gc delete")
	}
	slog.Debug("block gc", "live", len(live), "removed", removed)
	return removed, nil
}
