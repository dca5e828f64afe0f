// Package errs defines the error taxonomy shared by every probe subsystem.
//
// Every operation that can fail against the target returns one of these
// sentinels (wrapped with context via fmt.Errorf's %w) so callers can
// errors.Is against a stable set of outcomes instead of parsing strings.
package errs

import "errors"

var (
	// ErrTransportTimeout means a DM status bit did not settle within its
	// deadline. Fatal for the current operation; the engine stays usable.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrCommandError means the DM abstract command reported a non-zero
	// CMDER. The current operation fails; CMDER is cleared by the caller.
	ErrCommandError = errors.New("debug module command error")

	// ErrResourceExhausted covers a full breakpoint table or packet buffer.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidRequest covers a misaligned address, unknown command, or
	// malformed packet.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrParityFailed means an RSP checksum mismatched; the sender retransmits.
	ErrParityFailed = errors.New("packet checksum mismatch")

	// ErrVerifyFailed means a flash readback disagreed with the write data.
	ErrVerifyFailed = errors.New("flash verify failed")

	// ErrCorruptShadow means a GPR was clobbered with no saved backup. The
	// operation proceeds best-effort; this is logged, not fatal.
	ErrCorruptShadow = errors.New("register shadow corrupt: dirty without backup")

	// ErrUnsupportedTarget means the DM capability/hart-info registers did
	// not match the constants this probe was built for.
	ErrUnsupportedTarget = errors.New("unsupported target")
)
