package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/swarm"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Stream uint64
	Tags   []string
}

// AppendView is the printed result of an append.
type AppendView struct {
	Root   string      `json:"root"`
	Events []EventView `json:"events"`
}

func (v AppendView) String() string {
	return fmt.Sprintf("appended %d events, root %s", len(v.Events), v.Root)
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <payload>...",
		Short: "Append events to an own stream",
		Long: `Append one event per payload argument to an own stream of the node.

The events are written to the local stores and published the next time the
node runs.

Example:
  swarmlog append --config ./node.yaml --tag order --tag eu '{"id":1}'
  swarmlog append --stream 2 first second`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args, cmd)
		},
	}

	cmd.Flags().Uint64Var(&opts.Stream, "stream", 0, "own stream number")
	cmd.Flags().StringSliceVarP(&opts.Tags, "tag", "t", nil, "tag for every event (repeatable)")

	return cmd
}

func runAppend(opts *AppendOptions, payloads []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	node, closeNode, err := openOffline(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeNode()

	tags := event.NewTagSet(opts.Tags...)
	events := make([]swarm.AppendEvent, len(payloads))
	for i, p := range payloads {
		events[i] = swarm.AppendEvent{Tags: tags, Payload: []byte(p)}
	}
	res, err := node.Append(ctx, event.StreamNr(opts.Stream), events)
	if err != nil {
		return WrapExitError(ExitFailure, "append failed", err)
	}

	view := AppendView{Root: res.Root.String()}
	for i, k := range res.Keys {
		view.Events = append(view.Events, newEventView(event.Event{Key: k, Time: res.Time, Tags: tags, Payload: events[i].Payload}))
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(view)
}
