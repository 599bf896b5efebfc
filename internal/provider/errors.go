package provider

import (
	"errors"
	"fmt"
)

// ErrConfig marks failures that need operator action (missing or rejected
// credentials). Everything else a provider returns is treated as transient.
var ErrConfig = errors.New("provider configuration error")

type ConfigError struct {
	Provider string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Provider, ErrConfig, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

func NewConfigError(provider string, err error) *ConfigError {
	return &ConfigError{Provider: provider, Err: err}
}

// IsConfig reports whether err is, or wraps, a configuration error.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}
