package cli

import (
	"github.com/spf13/cobra"
)

// NewOffsetsCommand creates the offsets command.
func NewOffsetsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offsets",
		Short: "Show present and target offsets of every stream",
		Long: `Show, per stream, the highest offset available locally (present)
and the highest offset known to exist in the swarm (target).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd.Context())
			node, closeNode, err := openOffline(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode()

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(newOffsetsView(node.Offsets()))
		},
	}
	return cmd
}
