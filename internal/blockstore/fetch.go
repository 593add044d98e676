package blockstore

import (
	"context"

	"github.com/pkg/errors"
)

// FetchClosure makes the transitive closure of root available locally.
//
// Missing blocks are retrieved with fetcher, verified and stored; every block
// of the closure is added to pin. progress, when non-nil, is called after
// each step with the number of blocks still queued and finally with zero.
// The walk stops at the first error or when ctx is done.
func (s *Store) FetchClosure(ctx context.Context, root Link, pin *TempPin, fetcher Fetcher, links LinksFunc, progress func(missing int)) error {
	queue := []Link{root}
	seen := map[Link]struct{}{root: {}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		l := queue[0]
		queue = queue[1:]
		pin.Add(l)

		data, err := s.GetOrFetch(ctx, l, fetcher)
		if err != nil {
			return err
		}
		children, err := links(data)
		if err != nil {
			return err
		}
		for _, c := range children {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			queue = append(queue, c)
		}
		if progress != nil {
			progress(len(queue))
		}
	}
	return nil
}

// GetOrFetch returns a block, fetching and storing it when it is missing.
// A nil fetcher turns a missing block into ErrNotFound.
func (s *Store) GetOrFetch(ctx context.Context, l Link, fetcher Fetcher) ([]byte, error) {
	ok, err := s.Has(l)
	if err != nil {
		return nil, err
	}
	if ok {
		return s.Get(l)
	}
	if fetcher == nil {
		return nil, errors.Wrapf(ErrNotFound, "get %s", l)
	}
	data, err := fetcher.FetchBlock(ctx, l)
	if err != nil {
		return nil, err
	}
	if err := s.Put(Block{Link: l, Data: data}); err != nil {
		return nil, err
	}
	return data, nil
}
