package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/query"
	"github.com/roach88/swarmlog/internal/swarm"
	"github.com/roach88/swarmlog/internal/testutil"
	"github.com/roach88/swarmlog/internal/transport"
)

// SyncTimeout bounds how long a sync step waits for convergence.
var SyncTimeout = 10 * time.Second

const (
	pollInterval    = 10 * time.Millisecond
	rootMapInterval = 20 * time.Millisecond
)

// ErrSyncTimeout is returned when the nodes do not converge in time.
var ErrSyncTimeout = errors.New("nodes did not converge")

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string
	// Trace holds one line per event read, in expectation order.
	Trace []string
	// Errors holds expectation mismatches.
	Errors []string
	Pass   bool
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// run holds the nodes of one scenario execution.
type run struct {
	nodes map[string]*swarm.Node
	names map[event.NodeID]string
	order []string
}

// Run executes a scenario. An error means the scenario could not be
// executed; expectation mismatches are reported in the result.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	r, err := start(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer r.close()

	for i, step := range sc.Steps {
		if err := r.apply(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}

	res := &Result{Scenario: sc.Name, Pass: true}
	for i, exp := range sc.Expect {
		events, err := r.read(ctx, exp)
		if err != nil {
			return nil, fmt.Errorf("expect[%d]: %w", i, err)
		}
		got := make([]string, len(events))
		for j, e := range events {
			got[j] = string(e.Payload)
			res.Trace = append(res.Trace, r.describe(exp.Node, e))
		}
		if exp.Events != nil && !slices.Equal(got, exp.Events) {
			res.fail("expect[%d]: node %s read %v, want %v", i, exp.Node, got, exp.Events)
		}
	}
	return res, nil
}

func start(ctx context.Context, sc *Scenario) (*run, error) {
	hub := transport.NewHub()
	r := &run{
		nodes: make(map[string]*swarm.Node, len(sc.Nodes)),
		names: make(map[event.NodeID]string, len(sc.Nodes)),
		order: sc.Nodes,
	}
	for i, name := range sc.Nodes {
		cfg := swarm.DefaultConfig("harness." + sc.Name)
		cfg.NodeKey = testutil.FixedKey(byte(i + 1))
		cfg.Name = name
		cfg.Gossip.RootMapInterval = rootMapInterval
		cfg.CompactionInterval = 0
		cfg.Now = testutil.NewStepClock(1_000_000, 1).Now

		n, err := swarm.Open(ctx, cfg, hub.Connect(name))
		if err != nil {
			r.close()
			return nil, fmt.Errorf("open node %s: %w", name, err)
		}
		r.nodes[name] = n
		r.names[n.ID()] = name
		if err := n.Start(ctx); err != nil {
			r.close()
			return nil, fmt.Errorf("start node %s: %w", name, err)
		}
	}
	return r, nil
}

func (r *run) close() {
	for _, name := range r.order {
		if n, ok := r.nodes[name]; ok {
			if err := n.Close(); err != nil {
				slog.Warn("close node", "node", name, "error", err)
			}
		}
	}
}

func (r *run) apply(ctx context.Context, step Step) error {
	switch step.Op {
	case OpAppend:
		events := make([]swarm.AppendEvent, len(step.Payloads))
		for i, p := range step.Payloads {
			events[i] = swarm.AppendEvent{Tags: event.NewTagSet(step.Tags...), Payload: []byte(p)}
		}
		_, err := r.nodes[step.Node].Append(ctx, event.StreamNr(step.Stream), events)
		return err
	case OpCompact:
		return r.nodes[step.Node].Compact(ctx)
	case OpSync:
		return r.sync(ctx)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// sync polls until every node's present offsets cover what each writer holds.
func (r *run) sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, SyncTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !r.converged() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSyncTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (r *run) converged() bool {
	want := event.OffsetMap{}
	for _, n := range r.nodes {
		for id, o := range n.Offsets().Present {
			if id.Node == n.ID() {
				want[id] = o
			}
		}
	}
	for _, n := range r.nodes {
		have := n.Offsets().Present
		for id, o := range want {
			if got, ok := have[id]; !ok || got < o {
				return false
			}
		}
	}
	return true
}

func (r *run) read(ctx context.Context, exp Expectation) ([]event.Event, error) {
	n := r.nodes[exp.Node]
	sel := query.EventSelection{Tags: query.All(), To: n.Offsets().Present}
	if len(exp.Tags) > 0 {
		sel.Tags = query.TagSubscriptions{event.NewTagSet(exp.Tags...)}
	}

	read := n.StreamBounded
	if exp.Backward {
		read = n.StreamBoundedBackward
	}
	evs, err := read(ctx, sel)
	if err != nil {
		return nil, err
	}
	defer evs.Close()
	return evs.Collect(ctx)
}

// describe renders "reader: writer/stream@offset [tags] payload".
func (r *run) describe(reader string, e event.Event) string {
	var b strings.Builder
	b.WriteString(reader)
	b.WriteString(": ")
	b.WriteString(r.names[e.Key.Stream.Node])
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(e.Key.Stream.Nr), 10))
	b.WriteByte('@')
	b.WriteString(strconv.FormatUint(uint64(e.Key.Offset), 10))
	fmt.Fprintf(&b, " [%s] %s", e.Tags, e.Payload)
	return b.String()
}
