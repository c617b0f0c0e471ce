package uart

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyBegun indicates Begin was called more than once.
	ErrAlreadyBegun = errors.New("uart already begun")
	// ErrTxBusy indicates a drain cycle was abandoned because the
	// transmitter stayed busy. The bytes remain buffered.
	ErrTxBusy = errors.New("transmitter busy, drain cycle abandoned")
)

// HardwareError wraps a failure reported by the UART hardware layer.
type HardwareError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *HardwareError) Error() string {
	return fmt.Sprintf("uart %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *HardwareError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field string
	Value interface{}
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Value)
}
