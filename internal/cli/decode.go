package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/swarmlog/internal/gossip"
)

// DecodeOptions holds flags for the decode command.
type DecodeOptions struct {
	*RootOptions
	Hex bool
}

// MessageView is the printed form of a gossip message.
type MessageView struct {
	Kind    string     `json:"kind"`
	Lamport uint64     `json:"lamport"`
	Time    uint64     `json:"time"`
	Roots   []RootView `json:"roots"`
	Blocks  int        `json:"blocks,omitempty"`
}

// RootView is one announced stream root.
type RootView struct {
	Stream  string  `json:"stream"`
	Root    string  `json:"root"`
	Offset  *uint64 `json:"offset,omitempty"`
	Lamport *uint64 `json:"lamport,omitempty"`
}

func (v MessageView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s lamport=%d time=%d", v.Kind, v.Lamport, v.Time)
	if v.Blocks > 0 {
		fmt.Fprintf(&b, " blocks=%d", v.Blocks)
	}
	for _, r := range v.Roots {
		fmt.Fprintf(&b, "\n  %s %s", r.Stream, r.Root)
		if r.Offset != nil {
			fmt.Fprintf(&b, " offset=%d", *r.Offset)
		}
	}
	return b.String()
}

func newMessageView(m gossip.Message) MessageView {
	switch m := m.(type) {
	case *gossip.RootUpdate:
		r := RootView{Stream: m.Stream.String(), Root: m.Root.String()}
		if m.Offset != nil {
			off := uint64(*m.Offset)
			r.Offset = &off
		}
		return MessageView{Kind: "root_update", Lamport: uint64(m.Lamport), Time: m.Time, Roots: []RootView{r}, Blocks: len(m.Blocks)}
	case *gossip.RootMap:
		v := MessageView{Kind: "root_map", Lamport: uint64(m.Lamport), Time: m.Time}
		for i, e := range m.Entries {
			r := RootView{Stream: e.Stream.String(), Root: e.Root.String()}
			if ol, ok := m.OffsetOf(i); ok {
				off, lamport := uint64(ol.Offset), uint64(ol.Lamport)
				r.Offset, r.Lamport = &off, &lamport
			}
			v.Roots = append(v.Roots, r)
		}
		return v
	default:
		return MessageView{Kind: "unknown"}
	}
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DecodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a captured gossip message",
		Long: `Decode one CBOR gossip message read from file, or from stdin when no
file or "-" is given.

Example:
  swarmlog decode ./message.cbor
  echo a1...ff | swarmlog decode --hex --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Hex, "hex", false, "input is hex encoded")

	return cmd
}

func runDecode(opts *DecodeOptions, args []string, cmd *cobra.Command) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read message", err)
	}
	if opts.Hex {
		if data, err = hex.DecodeString(strings.TrimSpace(string(data))); err != nil {
			return WrapExitError(ExitCommandError, "invalid hex input", err)
		}
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	m, err := gossip.Decode(data)
	if err != nil {
		_ = out.Error("MALFORMED_MESSAGE", err.Error())
		return WrapExitError(ExitFailure, "malformed message", err)
	}
	return out.Success(newMessageView(m))
}
