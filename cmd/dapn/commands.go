package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yago-123/dapn/pkg/control"
	"github.com/yago-123/dapn/pkg/peer"
)

func newBindCmd() *cobra.Command {
	var remote, local string

	cmd := &cobra.Command{
		Use:   "bind <user>",
		Short: "Bind a peer into a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bp, err := control.NewClient(controlAddr).Bind(cmd.Context(), control.BindRequest{
				Target: args[0],
				Remote: remote,
				Local:  local,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "bound %s at %s via %s (local %s)\n", bp.Identity, bp.Address, bp.Tunnel.Iface, bp.LocalAddress)
			return nil
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "ip:port of the peer, skips resolution")
	cmd.Flags().StringVar(&local, "local", "", "tunnel address to use instead of allocating one")

	return cmd
}

func newUnbindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <user>",
		Short: "Tear down the tunnel with a bound peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := control.NewClient(controlAddr).Unbind(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "unbound %s\n", args[0])
			return nil
		},
	}
}

func newExposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expose <port>",
		Short: "Forward a local TCP port to every bound peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}

			ports, err := control.NewClient(controlAddr).Expose(cmd.Context(), port)
			if err != nil {
				return err
			}

			printPorts(cmd.OutOrStdout(), ports)
			return nil
		},
	}
}

func newUnexposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unexpose <port>",
		Short: "Stop forwarding a TCP port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}

			ports, err := control.NewClient(controlAddr).Unexpose(cmd.Context(), port)
			if err != nil {
				return err
			}

			printPorts(cmd.OutOrStdout(), ports)
			return nil
		},
	}
}

func newBoundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bound",
		Short: "List bound peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bound, err := control.NewClient(controlAddr).Bound(cmd.Context())
			if err != nil {
				return err
			}

			printBound(cmd.OutOrStdout(), bound)
			return nil
		},
	}
}

func newExposedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exposed",
		Short: "List exposed ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := control.NewClient(controlAddr).Exposed(cmd.Context())
			if err != nil {
				return err
			}

			printPorts(cmd.OutOrStdout(), ports)
			return nil
		},
	}
}

func newKnownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "known",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			known, err := control.NewClient(controlAddr).Known(cmd.Context())
			if err != nil {
				return err
			}

			printKnown(cmd.OutOrStdout(), known)
			return nil
		},
	}
}

func newRememberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remember <user> <ip:port>",
		Short: "Add or update a known peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := peer.ParseAddress(args[1]); err != nil {
				return err
			}

			if err := control.NewClient(controlAddr).Remember(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "remembered %s at %s\n", args[0], args[1])
			return nil
		},
	}
}

func parsePort(raw string) (uint16, error) {
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return uint16(port), nil
}

func printPorts(w io.Writer, ports []uint16) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "no exposed ports")
		return
	}

	raw := make([]string, 0, len(ports))
	for _, port := range ports {
		raw = append(raw, strconv.Itoa(int(port)))
	}
	fmt.Fprintln(w, strings.Join(raw, " "))
}

func printBound(w io.Writer, bound []peer.BoundPeer) {
	if len(bound) == 0 {
		fmt.Fprintln(w, "no bound peers")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tADDRESS\tIFACE\tLOCAL\tPORTS")
	for _, bp := range bound {
		ports := make([]string, 0, len(bp.Tunnel.Ports))
		for _, port := range bp.Tunnel.Ports {
			ports = append(ports, strconv.Itoa(int(port)))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", bp.Identity, bp.Address, bp.Tunnel.Iface, bp.LocalAddress, strings.Join(ports, ","))
	}
	_ = tw.Flush()
}

func printKnown(w io.Writer, known []peer.KnownPeer) {
	if len(known) == 0 {
		fmt.Fprintln(w, "no known peers")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tADDRESS")
	for _, kp := range known {
		fmt.Fprintf(tw, "%s\t%s\n", kp.Identity, kp.Address)
	}
	_ = tw.Flush()
}
