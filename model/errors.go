package model

import "fmt"

// ConfigError represents an invalid or incomplete configuration value.
// Interfaces failing with a ConfigError are not retried until their
// configuration changes.
type ConfigError struct {
	Field   string // config field name
	Value   any    // the invalid value (nil if missing)
	Message string
}

func (e *ConfigError) Error() string {
	msg := "config: " + e.Field
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	return msg + ": " + e.Message
}
