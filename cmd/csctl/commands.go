package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/havencarlson/CS/internal/api"
	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/command"
	"github.com/havencarlson/CS/internal/httputil"
	"github.com/havencarlson/CS/internal/version"
)

// payloadFlags carry the typed command arguments. Which of them are used is
// decided by the payload size the command code mandates.
type payloadFlags struct {
	raw     string
	entry   uint32
	target  string
	address uint32
	size    uint32
	rate    uint32
	mid     uint16
}

func (f *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.raw, "payload", "", "raw payload in hex; overrides the typed flags")
	cmd.Flags().Uint32Var(&f.entry, "entry", 0, "entry id for table and entry commands")
	cmd.Flags().StringVar(&f.target, "target", "", "target name for enable-entry and disable-entry")
	cmd.Flags().Uint32Var(&f.address, "address", 0, "oneshot start address")
	cmd.Flags().Uint32Var(&f.size, "size", 0, "oneshot size in bytes")
	cmd.Flags().Uint32Var(&f.rate, "rate", 0, "oneshot bytes per cycle (0 uses the configured default)")
	cmd.Flags().Uint16Var(&f.mid, "mid", uint16(command.CmdMID), "message id")
}

// buildPacket assembles the command named name from the flags.
func buildPacket(name string, f payloadFlags) (command.Packet, error) {
	code, err := command.ParseCode(name)
	if err != nil {
		return command.Packet{}, err
	}
	p := command.Packet{MsgID: command.MsgID(f.mid), Code: code}
	if f.raw != "" {
		p.Payload, err = hex.DecodeString(f.raw)
		if err != nil {
			return p, fmt.Errorf("payload is not hex: %w", err)
		}
		return p, nil
	}
	size, _ := command.ExpectedSize(code)
	switch size {
	case command.OneShotSize:
		p.Payload = command.OneShotArgs{Address: f.address, Size: f.size, MaxBytesPerCycle: f.rate}.Marshal()
	case command.EntryArgsSize:
		p.Payload = command.EntryArgs{EntryID: f.entry}.Marshal()
	case command.TargetArgsSize:
		t, err := checksum.ParseTarget(f.target)
		if err != nil {
			return p, err
		}
		p.Payload = command.TargetArgs{Target: uint32(t), EntryID: f.entry}.Marshal()
	}
	return p, nil
}

// newRootCmd builds the command tree. doer is the HTTP transport; nil uses
// http.DefaultClient.
func newRootCmd(doer httputil.Doer) *cobra.Command {
	var server string
	client := func() *api.Client { return api.NewClient(server, doer) }

	root := &cobra.Command{
		Use:           "csctl",
		Short:         "Control the checksum monitor",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", "http://localhost:8080", "checksum monitor HTTP address")

	root.AddCommand(
		newSendCmd(client),
		newEncodeCmd(),
		newHousekeepingCmd(client),
		newEventsCmd(client),
		newPokeCmd(client),
		newCodesCmd(),
	)
	return root
}

func newSendCmd(client func() *api.Client) *cobra.Command {
	var f payloadFlags
	cmd := &cobra.Command{
		Use:   "send COMMAND",
		Short: "Send a command through the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPacket(args[0], f)
			if err != nil {
				return err
			}
			cc := uint8(p.Code)
			mid := uint16(p.MsgID)
			resp, err := client().SendCommand(cmd.Context(), api.CommandRequest{
				MsgID:   &mid,
				CC:      &cc,
				Payload: hex.EncodeToString(p.Payload),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (cmd=%d err=%d)\n", p.Code, resp.Outcome, resp.CmdCounter, resp.CmdErrCounter)
			if resp.Failed {
				return fmt.Errorf("%s failed: %s", p.Code, resp.Outcome)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newEncodeCmd() *cobra.Command {
	var f payloadFlags
	cmd := &cobra.Command{
		Use:   "encode COMMAND",
		Short: "Print the serial uplink line for a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPacket(args[0], f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), command.Encode(p))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newHousekeepingCmd(client func() *api.Client) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "hk",
		Aliases: []string{"housekeeping"},
		Short:   "Print the housekeeping snapshot",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hk, err := client().Housekeeping(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(hk)
			}
			return printHousekeeping(cmd.OutOrStdout(), hk)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func printHousekeeping(out io.Writer, hk api.Housekeeping) error {
	fmt.Fprintf(out, "checksum %s  pass=%d cmd=%d err=%d  cursor=%s/%d\n",
		onOff(hk.Enabled), hk.PassCounter, hk.CmdCounter, hk.CmdErrCounter, hk.CurrentTarget, hk.CurrentEntry)
	if hk.RecomputeInProgress || hk.OneShotInProgress {
		fmt.Fprintf(out, "worker %s busy on %s/%d\n", hk.ActiveWorker, hk.ChildTaskTarget, hk.ChildTaskEntry)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATE\tBASELINE\tMISCOMPARES\tENTRIES")
	for _, t := range hk.Targets {
		baseline := "-"
		if t.ComputedYet {
			baseline = fmt.Sprintf("0x%08X", t.Baseline)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", t.Target, onOff(t.Enabled), baseline, t.Miscompares, len(t.Entries))
	}
	return tw.Flush()
}

func newEventsCmd(client func() *api.Client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print recent events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := client().Events(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range evs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Time.UTC().Format("2006-01-02T15:04:05.000Z"), e)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func newPokeCmd(client func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "poke ADDRESS HEX",
		Short: "Overwrite memory image bytes to provoke a miscompare",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[0], err)
			}
			if err := client().Poke(cmd.Context(), api.PokeRequest{Address: uint32(addr), Data: args[1]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s at 0x%08X\n", args[1], addr)
			return nil
		},
	}
}

func newCodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codes",
		Short: "List command names with their function codes and payload sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CC\tNAME\tPAYLOAD")
			for c := command.Noop; c <= command.ForceReset; c++ {
				size, _ := command.ExpectedSize(c)
				fmt.Fprintf(tw, "%d\t%s\t%d\n", c, c, size)
			}
			return tw.Flush()
		},
	}
}
