package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glowlink/stick/internal/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <characteristic-uuid>",
	Short: "Read a characteristic value",
	Long: `Connects, reads the characteristic once, and prints the value as hex.

Example:
  stickctl read AA:BB:CC:DD:EE:FF 180f 2a19`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]
	id := gatt.NewCharID(args[1], args[2])

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

	readCtx, readCancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
	defer readCancel()
	value, err := ctrl.Read(readCtx, address, id)
	if err != nil {
		return err
	}

	fmt.Printf("%s = %s (%d bytes)\n", id, hex.EncodeToString(value), len(value))
	return nil
}
