// Package transport carries gossip between nodes.
//
// A Bus offers three patterns on string subjects: fire-and-forget publish
// with subscription, request/reply, and serving requests. Implementations
// never deliver a node's own publications back to it.
package transport

import (
	"context"
	"errors"
)

// ErrNoResponders is returned by Request when no peer answered.
var ErrNoResponders = errors.New("no responders")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("transport closed")

// Handler answers a request. Returning ok=false means "no answer from me",
// letting another responder reply.
type Handler func(request []byte) (reply []byte, ok bool)

// Bus is a connection of one node to the swarm.
type Bus interface {
	// Publish broadcasts data on subject to every other node.
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe delivers messages published on subject by other nodes. The
	// channel is closed when ctx ends or the bus is closed.
	Subscribe(ctx context.Context, subject string) (<-chan []byte, error)
	// Request sends data to the responders of subject and returns the first
	// answer.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	// Serve registers h for requests on subject. The returned func
	// unregisters it.
	Serve(subject string, h Handler) (stop func(), err error)
	Close() error
}
