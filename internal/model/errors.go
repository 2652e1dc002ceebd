package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig reports invalid hyperparameters or weights that do not match them.
	ErrConfig = errors.New("invalid model config")
	// ErrUnsupportedInput reports a forward call this runtime cannot serve,
	// such as more than one new token per batch row.
	ErrUnsupportedInput = errors.New("unsupported input")
	// ErrCacheOverflow reports a write past the KV cache capacity.
	ErrCacheOverflow = errors.New("kv cache overflow")
)

// ConfigError describes a single invalid configuration field.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfig, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfig, e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedInputError is returned by Forward before any state is touched.
type UnsupportedInputError struct {
	Msg string
}

func (e *UnsupportedInputError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnsupportedInput, e.Msg)
}

func (e *UnsupportedInputError) Unwrap() error {
	return ErrUnsupportedInput
}

func unsupportedf(format string, args ...any) error {
	return &UnsupportedInputError{Msg: fmt.Sprintf(format, args...)}
}

// CacheOverflowError is returned when a position does not fit in the cache.
// The cache is left untouched.
type CacheOverflowError struct {
	Pos    int
	MaxLen int
}

func (e *CacheOverflowError) Error() string {
	return fmt.Sprintf("%s: position %d >= max_seq_len %d", ErrCacheOverflow, e.Pos, e.MaxLen)
}

func (e *CacheOverflowError) Unwrap() error {
	return ErrCacheOverflow
}
