package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/glowlink/stick/internal/gatt"
	"github.com/glowlink/stick/internal/ota"
	"github.com/glowlink/stick/pkg/lightstick"
)

// otaCmd represents the ota command
var otaCmd = &cobra.Command{
	Use:   "ota <device-address> <service-uuid> <characteristic-uuid> <firmware.bin>",
	Short: "Transfer a firmware image over the air",
	Long: `Connects, negotiates the MTU, and streams the firmware image in chunks
through the OTA data characteristic. The end command carries the block count
and a CRC-16 of the whole image; with --await-result the command waits for
the device to verify and report back.

Example:
  stickctl ota AA:BB:CC:DD:EE:FF fe59 fe5a firmware.bin --await-result`,
	Args: cobra.ExactArgs(4),
	RunE: runOTA,
}

var (
	otaMTU         int
	otaStartOpcode string
	otaEndOpcode   string
	otaAwaitResult bool
)

func init() {
	otaCmd.Flags().IntVar(&otaMTU, "mtu", 0, "Preferred MTU (0 uses the configured default)")
	otaCmd.Flags().StringVar(&otaStartOpcode, "start-opcode", "", "Hex opcode written before the first chunk")
	otaCmd.Flags().StringVar(&otaEndOpcode, "end-opcode", "01", "Hex opcode prefixing the end command")
	otaCmd.Flags().BoolVar(&otaAwaitResult, "await-result", false, "Wait for the device's verification result")
}

func runOTA(cmd *cobra.Command, args []string) error {
	address := args[0]
	id := gatt.NewCharID(args[1], args[2])

	firmware, err := os.ReadFile(args[3])
	if err != nil {
		return fmt.Errorf("failed to read firmware image: %w", err)
	}

	var startOpcodes [][]byte
	if otaStartOpcode != "" {
		opcode, err := hex.DecodeString(otaStartOpcode)
		if err != nil {
			return fmt.Errorf("failed to parse start opcode: %w", err)
		}
		startOpcodes = append(startOpcodes, opcode)
	}
	endOpcode, err := hex.DecodeString(otaEndOpcode)
	if err != nil {
		return fmt.Errorf("failed to parse end opcode: %w", err)
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

	bar := NewProgressBar(fmt.Sprintf("Transferring %d bytes", len(firmware)))
	defer bar.Finish()

	transfer, err := ctrl.StartOTA(address, firmware, lightstick.OTAOptions{
		DataChar:       id,
		PreferredMTU:   otaMTU,
		StartOpcodes:   startOpcodes,
		SendEndCommand: true,
		EndOpcode:      endOpcode,
		AwaitResult:    otaAwaitResult,
	}, bar.Update, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	select {
	case <-transfer.Done():
	case <-cmd.Context().Done():
		transfer.Abort()
		<-transfer.Done()
	}

	if err := transfer.Err(); err != nil {
		return err
	}
	fmt.Printf("%s firmware transferred in %s (crc 0x%04x)\n",
		successLabel("OK"), time.Since(start).Round(time.Millisecond), ota.Checksum(firmware))
	return nil
}
