package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/oshokin/abota/internal/domain/boot"
	"github.com/oshokin/abota/internal/partition"
	"github.com/oshokin/abota/internal/service/installer"
)

func (a *app) newSlotCmd() *cobra.Command {
	slot := &cobra.Command{
		Use:   "slot",
		Short: "Inspect and prepare the rootfs slots.",
	}

	slot.AddCommand(a.newSlotShowCmd(), a.newSlotReadCmd(), a.newSlotFillCmd())

	return slot
}

// slotTools wires the selector and the slot writer from the configuration.
func (a *app) slotTools() (*partition.Selector, *partition.Writer, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	inst, err := installer.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	return inst.Selector(), partition.NewWriter(nil), nil
}

func (a *app) newSlotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the partition state as name=value lines.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selector, writer, err := a.slotTools()
			if err != nil {
				return err
			}

			st, err := selector.State(cmd.Context())
			if err != nil {
				return err
			}

			capacity, err := writer.Capacity(st.Passive)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "phase=%s\n", st.Phase)
			_, _ = fmt.Fprintf(out, "active=%s\n", st.Active.Name)
			_, _ = fmt.Fprintf(out, "active_device=%s\n", st.Active.Device)
			_, _ = fmt.Fprintf(out, "passive=%s\n", st.Passive.Name)
			_, _ = fmt.Fprintf(out, "passive_device=%s\n", st.Passive.Device)
			_, _ = fmt.Fprintf(out, "passive_size=%d\n", capacity)
			_, _ = fmt.Fprintf(out, "bootcount=%d\n", st.BootCount)

			return nil
		},
	}
}

func (a *app) newSlotReadCmd() *cobra.Command {
	var size int64

	cmd := &cobra.Command{
		Use:   "read <slot>",
		Short: "Write the first bytes of a slot to stdout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, writer, err := a.slotTools()
			if err != nil {
				return err
			}

			slot, ok := selector.Lookup(args[0])
			if !ok {
				return fmt.Errorf("%q: %w", args[0], errUnknownSlot)
			}

			data, err := writer.ReadPrefix(slot, size)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)

			return err
		},
	}

	cmd.Flags().Int64Var(&size, "bytes", 512, "number of bytes to read")

	return cmd
}

func (a *app) newSlotFillCmd() *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "fill <slot>",
		Short: "Overwrite the passive slot with a byte pattern.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseUint(pattern, 0, 8)
			if err != nil {
				return fmt.Errorf("pattern: %w", err)
			}

			selector, writer, err := a.slotTools()
			if err != nil {
				return err
			}

			slot, ok := selector.Lookup(args[0])
			if !ok {
				return fmt.Errorf("%q: %w", args[0], errUnknownSlot)
			}

			st, err := selector.State(cmd.Context())
			if err != nil {
				return err
			}

			if isActive(st, slot) {
				return fmt.Errorf("%s: %w", slot, errActiveSlot)
			}

			return writer.Fill(cmd.Context(), slot, byte(value))
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "0", "byte written over the whole slot")

	return cmd
}

// isActive reports whether slot is the one running, or about to run, now.
func isActive(st partition.State, slot boot.Slot) bool {
	return st.Active.ID == slot.ID
}
