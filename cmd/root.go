// Package cmd implements the probe host tool's CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/gadefox/ch32dbg-go/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	portFlag     string
	swioPortFlag string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "ch32dbg",
	Short: "ch32dbg - USB debug probe for CH32V003-class RISC-V targets",
	Long: `ch32dbg runs the probe's GDB Remote Serial Protocol server, diagnostic
console, and XMODEM-1K firmware uploader against a target's RISC-V Debug
Module over a single-wire debug link.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if portFlag != "" {
			cfg.Port = portFlag
		}
		if logLevelFlag != "" {
			cfg.LogLevel = logLevelFlag
		}

		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		log.SetLevel(level)

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&portFlag, "port", "", "USB-CDC port or TCP address to serve on (e.g., /dev/ttyACM0, COM3, localhost:2560)")
	rootCmd.PersistentFlags().StringVar(&swioPortFlag, "swio-port", "", "single-wire PHY port or TCP address to the target's Debug Module")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func validateConnectionFlags() error {
	if cfg.Port == "" {
		return fmt.Errorf("no port specified (use --port flag or set in ch32dbg.ini)")
	}
	if swioPortFlag == "" {
		return fmt.Errorf("no single-wire PHY port specified (use --swio-port)")
	}
	return nil
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
