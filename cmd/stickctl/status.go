package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/glowlink/stick/internal/bleplat"
	"github.com/glowlink/stick/pkg/config"
	"github.com/glowlink/stick/pkg/lightstick"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <device-address>",
	Short: "Connect to a light stick and print the negotiated link state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var statusMTU int

func init() {
	statusCmd.Flags().IntVar(&statusMTU, "mtu", 0, "Request this MTU after connecting (0 skips negotiation)")
}

// newController wires the production BLE transport under the facade.
func newController(cfg *config.Config, logger *logrus.Logger) *lightstick.Controller {
	transport := bleplat.New(cfg.ConnectTimeout(), logger)
	return lightstick.New(transport, cfg, logger)
}

func runStatus(cmd *cobra.Command, args []string) error {
	address := args[0]

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

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout()+time.Second)
	defer cancel()

	start := time.Now()
	if err := ctrl.Connect(ctx, address); err != nil {
		return err
	}

	fmt.Printf("%s connected to %s in %s\n", successLabel("OK"), address, time.Since(start).Round(time.Millisecond))

	if statusMTU > 0 {
		mtuCtx, mtuCancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
		defer mtuCancel()
		mtu, err := ctrl.RequestMTU(mtuCtx, address, statusMTU)
		if err != nil {
			fmt.Printf("%s MTU negotiation failed: %s\n", failureLabel("!!"), FormatUserError(err))
		} else {
			fmt.Printf("   negotiated MTU: %d\n", mtu)
		}
	}
	return ctrl.Disconnect(address)
}
