package transport

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// SubscriptionBuffer is the number of messages a slow subscriber may lag
// behind before messages are dropped.
const SubscriptionBuffer = 256

// Hub is an in-process swarm. Members connected to the same hub see each
// other's publications and requests.
type Hub struct {
	mu      sync.Mutex
	members []*Member
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Connect adds a member named name.
func (h *Hub) Connect(name string) *Member {
	m := &Member{
		hub:      h,
		name:     name,
		subs:     make(map[string][]*subscription),
		handlers: make(map[string][]*handlerEntry),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.members = append(h.members, m)
	h.mu.Unlock()
	return m
}

func (h *Hub) peers(self *Member) []*Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Member, 0, len(h.members))
	for _, m := range h.members {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) remove(self *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members = slices.DeleteFunc(h.members, func(m *Member) bool { return m == self })
}

type subscription struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *subscription) deliver(member, subject string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- data:
	default:
		slog.Warn("dropping message for slow subscriber", "member", member, "subject", subject)
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type handlerEntry struct {
	h Handler
}

// Member is one node's connection to a Hub. It implements Bus.
type Member struct {
	hub  *Hub
	name string

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	subs     map[string][]*subscription
	handlers map[string][]*handlerEntry
}

var _ Bus = (*Member)(nil)

// Name returns the member name given to Connect.
func (m *Member) Name() string { return m.name }

func (m *Member) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Publish implements Bus.
func (m *Member) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}
	for _, p := range m.hub.peers(m) {
		p.mu.Lock()
		subs := slices.Clone(p.subs[subject])
		p.mu.Unlock()
		for _, s := range subs {
			s.deliver(p.name, subject, slices.Clone(data))
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *Member) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	s := &subscription{ch: make(chan []byte, SubscriptionBuffer)}
	m.subs[subject] = append(m.subs[subject], s)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		m.subs[subject] = slices.DeleteFunc(m.subs[subject], func(o *subscription) bool { return o == s })
		m.mu.Unlock()
		s.close()
	}()
	return s.ch, nil
}

// Request implements Bus. Responders are asked in connection order until
// one answers.
func (m *Member) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	for _, p := range m.hub.peers(m) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		handlers := slices.Clone(p.handlers[subject])
		p.mu.Unlock()
		for _, e := range handlers {
			if reply, ok := e.h(slices.Clone(data)); ok {
				return reply, nil
			}
		}
	}
	return nil, ErrNoResponders
}

// Serve implements Bus.
func (m *Member) Serve(subject string, h Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e := &handlerEntry{h: h}
	m.handlers[subject] = append(m.handlers[subject], e)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers[subject] = slices.DeleteFunc(m.handlers[subject], func(o *handlerEntry) bool { return o == e })
	}, nil
}

// Close disconnects the member and closes its subscriptions.
func (m *Member) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	var subs []*subscription
	for _, s := range m.subs {
		subs = append(subs, s...)
	}
	m.subs = make(map[string][]*subscription)
	m.handlers = make(map[string][]*handlerEntry)
	m.mu.Unlock()

	m.hub.remove(m)
	for _, s := range subs {
		s.close()
	}
	return nil
}
