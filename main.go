// ch32dbg - USB debug probe for CH32V003-class RISC-V targets: a GDB Remote
// Serial Protocol server, a diagnostic console, and an XMODEM-1K firmware
// uploader sharing one USB-CDC pipe.
package main

import (
	"fmt"
	"os"

	"github.com/gadefox/ch32dbg-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
