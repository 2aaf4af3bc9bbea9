package command

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
)

// exitNotFound is the exit status of lvm when a named object does not exist.
const exitNotFound = 5

// NotFoundPattern matches the messages lvm prints when a volume group, logical volume
// or physical volume does not exist.
var NotFoundPattern = regexp.MustCompile(`Volume group "(.*?)" not found|Failed to find logical volume "(.*?)"|Failed to find physical volume "(.*?)"`)

// ErrNotFound is returned when a VG, LV or PV is not found.
var ErrNotFound = errors.New("not found")

// LVMError is the failure of an lvm sub-command.
type LVMError interface {
	error
	// Subcommand is the lvm sub-command that failed, e.g. "vgcreate".
	Subcommand() string
	// ExitCode is the exit status, or -1 when the command could not be run.
	ExitCode() int
	// Stderr is what the command printed on stderr.
	Stderr() string
	Unwrap() error
}

// AsLVMError returns the LVMError in err's chain.
func AsLVMError(err error) (LVMError, bool) {
	var lvmErr LVMError
	ok := errors.As(err, &lvmErr)
	return lvmErr, ok
}

// IsLVMNotFound reports whether err is an lvm failure caused by a missing object.
func IsLVMNotFound(err error) bool {
	lvmErr, ok := AsLVMError(err)
	if !ok || lvmErr.ExitCode() != exitNotFound {
		return false
	}
	return NotFoundPattern.MatchString(lvmErr.Stderr())
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type commandError struct {
	subcommand string
	err        error
	stderr     []byte
}

func (e *commandError) Error() string {
	if msg := e.Stderr(); msg != "" {
		return fmt.Sprintf("lvm %s: %v: %s", e.subcommand, e.err, msg)
	}
	return fmt.Sprintf("lvm %s: %v", e.subcommand, e.err)
}

func (e *commandError) Subcommand() string {
	return e.subcommand
}

func (e *commandError) Stderr() string {
	return string(bytes.TrimSpace(e.stderr))
}

func (e *commandError) Unwrap() error {
	return e.err
}

func (e *commandError) ExitCode() int {
	var exitErr interface{ ExitCode() int }
	if errors.As(e.err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
