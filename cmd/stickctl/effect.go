package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glowlink/stick/internal/gatt"
)

// effectCmd represents the effect command
var effectCmd = &cobra.Command{
	Use:   "effect <device-address> <service-uuid> <characteristic-uuid> <hex-payload>",
	Short: "Send a color/effect payload to a light stick",
	Long: `Writes an effect payload without response through the per-device queue.

Effect writes are coalesced: with --repeat, payloads queued faster than the
device's minimum command interval collapse to the newest one instead of
piling up.

Examples:
  # Solid red
  stickctl effect AA:BB:CC:DD:EE:FF fff0 fff1 01ff0000

  # Hammer the queue to watch coalescing under load
  stickctl effect AA:BB:CC:DD:EE:FF fff0 fff1 01ff0000 --repeat 100`,
	Args: cobra.ExactArgs(4),
	RunE: runEffect,
}

var (
	effectRepeat   int
	effectInterval time.Duration
)

func init() {
	effectCmd.Flags().IntVar(&effectRepeat, "repeat", 1, "Send the payload N times")
	effectCmd.Flags().DurationVar(&effectInterval, "interval", 0, "Pause between repeats")
}

func runEffect(cmd *cobra.Command, args []string) error {
	address := args[0]
	id := gatt.NewCharID(args[1], args[2])

	payload, err := hex.DecodeString(args[3])
	if err != nil {
		return fmt.Errorf("failed to parse hex payload: %w", err)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctrl := newController(cfg, logger)
	defer ctrl.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout())
	defer cancel()
	if err := ctrl.Connect(ctx, address); err != nil {
		return err
	}
	defer func() { _ = ctrl.Disconnect(address) }()

	// Await only the final write: earlier repeats may legitimately be
	// coalesced away and then their outcome never fires.
	done := make(chan error, 1)
	for i := 0; i < effectRepeat; i++ {
		var outcome gatt.WriteOutcome
		if i == effectRepeat-1 {
			outcome = func(err error) { done <- err }
		}
		if err := ctrl.WriteEffect(address, id, payload, outcome); err != nil {
			return err
		}
		if effectInterval > 0 && i < effectRepeat-1 {
			time.Sleep(effectInterval)
		}
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(cfg.RequestTimeout()):
		return fmt.Errorf("effect write: %w", gatt.ErrTimeout)
	}

	fmt.Printf("%s sent %d byte effect to %s\n", successLabel("OK"), len(payload), address)
	return nil
}
