// Package etlerr defines the error categories shared by the pipeline stages.
package etlerr

import (
	"errors"
	"fmt"
)

var (
	// ErrRPC marks failures talking to the chain node.
	ErrRPC = errors.New("rpc error")
	// ErrParse marks blocks or transactions that could not be decoded.
	ErrParse = errors.New("parse error")
	// ErrDatabase marks warehouse failures.
	ErrDatabase = errors.New("database error")
	// ErrConfig marks invalid or missing configuration.
	ErrConfig = errors.New("config error")
)

// Parse returns an ErrParse-wrapped error.
func Parse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// Config returns an ErrConfig-wrapped error.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Database wraps err with ErrDatabase and an operation name.
// A nil err stays nil.
func Database(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDatabase) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDatabase, op, err)
}
