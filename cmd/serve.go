package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gadefox/ch32dbg-go/internal/probe"
	"github.com/gadefox/ch32dbg-go/internal/transport"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the probe against a target",
	Long: `Serve opens the USB-CDC host pipe and the single-wire PHY link to the
target, brings up the Debug Module, and runs the probe's outer loop: GDB
Remote Serial Protocol, the diagnostic console, and XMODEM-1K firmware
upload all share the USB-CDC pipe, switching on the leading byte of each
exchange.

Example:
  ch32dbg serve --port /dev/ttyACM0 --swio-port /dev/ttyACM1
  ch32dbg serve --port localhost:2560 --swio-port localhost:2561`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if err := validateConnectionFlags(); err != nil {
		return err
	}

	usb := transport.NewSerialUSB(transport.NewByteStream(cfg.Port), cfg.Port)
	if err := usb.Open(); err != nil {
		return fmt.Errorf("failed to open USB-CDC port %s: %w", cfg.Port, err)
	}
	defer usb.Close()
	log.Info("usb-cdc port open", "port", cfg.Port)

	swio := transport.NewSerialSWIO(transport.NewByteStream(swioPortFlag), swioPortFlag)
	if err := swio.Open(); err != nil {
		return fmt.Errorf("failed to open single-wire PHY port %s: %w", swioPortFlag, err)
	}
	defer swio.Close()
	log.Info("single-wire phy port open", "port", swioPortFlag)

	p := probe.New(swio, usb, nil, nil)
	if err := p.Reset(ctx); err != nil {
		return fmt.Errorf("debug module bring-up failed: %w", err)
	}
	log.Info("debug module ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.Tick(ctx); err != nil {
			return fmt.Errorf("probe tick failed: %w", err)
		}
	}
}
