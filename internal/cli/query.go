package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/query"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Tags     []string
	From     []string
	Backward bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read events from the local stores",
		Long: `Read every locally available event in causal order.

Each --tags flag is one subscription: an event matches when it carries all
tags of at least one subscription. Without --tags every event matches.
--from excludes a stream's events up to and including the given offset.

Example:
  swarmlog query --config ./node.yaml --tags order,eu --tags refund
  swarmlog query --from <stream>=41 --backward --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Tags, "tags", nil, "comma separated tag subscription (repeatable)")
	cmd.Flags().StringArrayVar(&opts.From, "from", nil, "exclusive lower bound as <stream>=<offset> (repeatable)")
	cmd.Flags().BoolVar(&opts.Backward, "backward", false, "newest events first")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	sel := query.EventSelection{Tags: query.All()}
	if len(opts.Tags) > 0 {
		sel.Tags = parseTagSets(opts.Tags)
	}
	from, err := parseOffsets(opts.From)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --from", err)
	}
	sel.From = from

	ctx := commandContext(cmd.Context())
	node, closeNode, err := openOffline(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeNode()

	sel.To = node.Offsets().Present
	read := node.StreamBounded
	if opts.Backward {
		read = node.StreamBoundedBackward
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	var events []event.Event
	if len(sel.To) > 0 {
		evs, err := read(ctx, sel)
		if err != nil {
			_ = out.Error(accessErrorCode(err), err.Error())
			return WrapExitError(ExitFailure, "query rejected", err)
		}
		defer evs.Close()
		if events, err = evs.Collect(ctx); err != nil {
			return WrapExitError(ExitFailure, "query failed", err)
		}
	}

	list := make(EventList, len(events))
	for i, e := range events {
		list[i] = newEventView(e)
	}
	return out.Success(list)
}

func accessErrorCode(err error) string {
	var ae *query.AccessError
	if errors.As(err, &ae) {
		return string(ae.Code)
	}
	return "QUERY_FAILED"
}

// parseTagSets turns "a,b" arguments into one subscription each.
func parseTagSets(args []string) query.TagSubscriptions {
	out := make(query.TagSubscriptions, 0, len(args))
	for _, a := range args {
		out = append(out, event.NewTagSet(strings.Split(a, ",")...))
	}
	return out
}

// parseOffsets parses <stream>=<offset> pairs.
func parseOffsets(args []string) (event.OffsetMap, error) {
	out := make(event.OffsetMap, len(args))
	for _, a := range args {
		s, o, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("%q: want <stream>=<offset>", a)
		}
		id, err := event.ParseStreamID(s)
		if err != nil {
			return nil, err
		}
		off, err := strconv.ParseUint(o, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", a, err)
		}
		out[id] = event.Offset(off)
	}
	return out, nil
}
