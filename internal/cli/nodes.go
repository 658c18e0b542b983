package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

func newNodeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Node management commands",
	}
	cmd.AddCommand(newNodeListCmd(opts), newNodeGetCmd(opts), newNodeFaultCmd(opts), newNodeRemoveCmd(opts))
	return cmd
}

func newNodeListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes with liveness and sync tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := opts.client().ListNodes(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list nodes: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), nodes)
			}
			if len(nodes) == 0 {
				fprintf(cmd.OutOrStdout(), "No nodes registered\n")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fprintf(w, "ID\tLIVENESS\tTIER\tDEVICES\tRESERVED\tLAST CONTACT\n")
			for _, n := range nodes {
				fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", n.ID, n.Liveness, tierLabel(n), len(n.Devices),
					reserved(n.Node), formatTime(&n.LastContact))
			}
			return w.Flush()
		},
	}
}

func tierLabel(n protocol.NodeView) string {
	s := n.Tier.String()
	if n.Flapping {
		s += " (flapping)"
	}
	return s
}

func reserved(n model.Node) int {
	c := 0
	for _, d := range n.Devices {
		if d.Reservation.State == model.DeviceReserved {
			c++
		}
	}
	return c
}

func newNodeGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <node-id>",
		Short: "Show a node and its devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().GetNode(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get node: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), n)
			}
			out := cmd.OutOrStdout()
			fprintf(out, "ID:          %s\n", n.ID)
			fprintf(out, "Address:     %s\n", orDash(n.Address))
			fprintf(out, "Liveness:    %s\n", n.Liveness)
			fprintf(out, "Tier:        %s\n", tierLabel(*n))
			if n.UncertaintyNs > 0 {
				fprintf(out, "Uncertainty: %s\n", time.Duration(n.UncertaintyNs))
			}
			if n.Position != nil {
				fprintf(out, "Position:    %.5f, %.5f\n", n.Position.Lat, n.Position.Lon)
			}
			fprintf(out, "\nDevices:\n")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fprintf(w, "ID\tRANGES\tTX\tSTATE\tJOB\n")
			for _, d := range n.Devices {
				ranges := make([]string, len(d.Ranges))
				for i, r := range d.Ranges {
					ranges[i] = r.String()
				}
				fprintf(w, "%s\t%s\t%t\t%s\t%s\n", d.ID, strings.Join(ranges, ","), d.CanTransmit,
					d.Reservation.State, orDash(d.Reservation.JobID))
			}
			return w.Flush()
		},
	}
}

func newNodeFaultCmd(opts *options) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "fault <node-id> <device-id>",
		Short: "Mark a device as faulted (or recovered with --clear)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().SetDeviceFault(cmd.Context(), args[0], args[1], !clear); err != nil {
				return fmt.Errorf("failed to update device: %w", err)
			}
			state := "faulted"
			if clear {
				state = "recovered"
			}
			fprintf(cmd.OutOrStdout(), "Device %s/%s %s\n", args[0], args[1], state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the fault instead of setting it")
	return cmd
}

func newNodeRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <node-id>",
		Short: "Deregister a node; its allocations are treated as lost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Deregister(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to remove node: %w", err)
			}
			fprintf(cmd.OutOrStdout(), "Node %s removed\n", args[0])
			return nil
		},
	}
}
