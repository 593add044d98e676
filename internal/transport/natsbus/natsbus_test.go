package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/swarmlog/internal/transport"
)

// connectOrSkip dials the server named by SWARMLOG_NATS_URL.
func connectOrSkip(t *testing.T, name string) *Bus {
	t.Helper()
	url := os.Getenv("SWARMLOG_NATS_URL")
	if url == "" {
		t.Skip("SWARMLOG_NATS_URL not set")
	}
	b, err := Connect(url, name)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishSubscribe(t *testing.T) {
	a := connectOrSkip(t, "a")
	b := connectOrSkip(t, "b")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subject := "swarmlog.test." + t.Name()
	fromB, err := b.Subscribe(ctx, subject)
	require.NoError(t, err)
	fromA, err := a.Subscribe(ctx, subject)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.Publish(ctx, subject, []byte("hello")))
	select {
	case msg := <-fromB:
		assert.Equal(t, []byte("hello"), msg)
	case <-ctx.Done():
		t.Fatal("no message")
	}
	select {
	case msg := <-fromA:
		t.Fatalf("echo received: %q", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRequestReply(t *testing.T) {
	a := connectOrSkip(t, "a")
	b := connectOrSkip(t, "b")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subject := "swarmlog.test." + t.Name()
	_, err := a.Request(ctx, subject, []byte("x"))
	assert.ErrorIs(t, err, transport.ErrNoResponders)

	stop, err := b.Serve(subject, func(req []byte) ([]byte, bool) {
		return append([]byte("re:"), req...), true
	})
	require.NoError(t, err)
	defer stop()
	require.NoError(t, b.nc.Flush())

	reply, err := a.Request(ctx, subject, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("re:x"), reply)
}
