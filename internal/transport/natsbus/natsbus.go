// Package natsbus implements transport.Bus on a NATS server.
package natsbus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"
	pkgerrors "github.com/pkg/errors"

	"github.com/roach88/swarmlog/internal/transport"
)

// Bus is a NATS connection. Echo is disabled on the connection so a node
// never receives its own publications.
type Bus struct {
	nc     *nats.Conn
	closed chan struct{}
}

var _ transport.Bus = (*Bus)(nil)

// Connect dials url as client name.
func Connect(url, name string) (*Bus, error) {
	opts := nats.GetDefaultOptions()
	opts.Url = url
	opts.Name = name
	opts.NoEcho = true
	opts.AsyncErrorCB = func(_ *nats.Conn, s *nats.Subscription, err error) {
		subject := ""
		if s != nil {
			subject = s.Subject
		}
		slog.Warn("nats async error", "subject", subject, "error", err)
	}
	opts.DisconnectedErrCB = func(_ *nats.Conn, err error) {
		slog.Warn("nats disconnected", "error", err)
	}
	opts.ReconnectedCB = func(nc *nats.Conn) {
		slog.Info("nats reconnected", "url", nc.ConnectedUrl())
	}
	closed := make(chan struct{})
	opts.ClosedCB = func(*nats.Conn) { close(closed) }

	nc, err := opts.Connect()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "nats connect failed")
	}
	return &Bus{nc: nc, closed: closed}, nil
}

// Publish implements transport.Bus.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return mapErr(err, "publish "+subject)
	}
	return nil
}

// Subscribe implements transport.Bus.
func (b *Bus) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	msgs := make(chan *nats.Msg, transport.SubscriptionBuffer)
	sub, err := b.nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, mapErr(err, "subscribe "+subject)
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				slog.Warn("nats unsubscribe failed", "subject", subject, "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			case m := <-msgs:
				select {
				case out <- m.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Request implements transport.Bus.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	m, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, mapErr(err, "request "+subject)
	}
	return m.Data, nil
}

// Serve implements transport.Bus. A handler that declines stays silent so
// another responder can answer.
func (b *Bus) Serve(subject string, h transport.Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		reply, ok := h(m.Data)
		if !ok {
			return
		}
		if err := m.Respond(reply); err != nil {
			slog.Warn("nats respond failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return nil, mapErr(err, "serve "+subject)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Warn("nats unsubscribe failed", "subject", subject, "error", err)
		}
	}, nil
}

// Close closes the connection, ending all subscriptions.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

func mapErr(err error, op string) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return pkgerrors.Wrap(transport.ErrNoResponders, op)
	case errors.Is(err, nats.ErrConnectionClosed):
		return pkgerrors.Wrap(transport.ErrClosed, op)
	default:
		return pkgerrors.Wrap(err, op)
	}
}
