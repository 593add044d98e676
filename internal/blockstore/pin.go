package blockstore

import (
	"github.com/google/uuid"
)

// TempPin is a temporary GC hold on a set of blocks. It is not persisted.
type TempPin struct {
	id string
	s  *Store
}

// CreateTempPin registers a new, empty temporary pin.
func (s *Store) CreateTempPin() *TempPin {
	id := uuid.Must(uuid.NewV7()).String()
	s.pinMu.Lock()
	s.pins[id] = make(map[Link]struct{})
	s.pinMu.Unlock()
	return &TempPin{id: id, s: s}
}

// ID returns the pin's identifier.
func (p *TempPin) ID() string {
	return p.id
}

// Add pins links. Blocks reachable from a pinned block are kept as well.
func (p *TempPin) Add(links ...Link) {
	p.s.pinMu.Lock()
	defer p.s.pinMu.Unlock()
	set, ok := p.s.pins[p.id]
	if !ok {
		return
	}
	for _, l := range links {
		set[l] = struct{}{}
	}
}

// Release drops the pin. Calling Release more than once, or on a nil pin,
// is harmless.
func (p *TempPin) Release() {
	if p == nil {
		return
	}
	p.s.pinMu.Lock()
	delete(p.s.pins, p.id)
	p.s.pinMu.Unlock()
}

func (s *Store) pinnedLinks() []Link {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	var out []Link
	for _, set := range s.pins {
		for l := range set {
			out = append(out, l)
		}
	}
	return out
}
