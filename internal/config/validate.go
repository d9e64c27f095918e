package config

import (
	"fmt"
	"strings"
)

// ValidationResult separates configuration problems into two tiers: Fatals
// (invalid max_seconds, unknown encoder) block startup, Warnings are
// logged and the offending field is clamped to a safe default so the
// process still starts.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal-tier error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, useful for logging a
// single combined summary.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

var validEncoders = map[string]bool{
	"nvenc": true,
	"vaapi": true,
}

var validQualities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
	"ultra":  true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// maxWindowSeconds is the hard ceiling on max_seconds (24 hours).
const maxWindowSeconds = 86400

// ValidateTiered checks cfg against both tiers. Fatal-tier
// problems (unknown encoder, max_seconds out of range) are returned
// without modifying cfg so the caller can report them and refuse to
// start; warning-tier problems (unknown quality, bad log settings) are
// logged by the caller and the field is clamped here to a value the rest
// of the pipeline can run with.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	encoder := strings.ToLower(c.Encoder)
	if !validEncoders[encoder] {
		r.Fatals = append(r.Fatals, fmt.Errorf("encoder %q is not recognized (want nvenc or vaapi)", c.Encoder))
	} else {
		c.Encoder = encoder
	}

	if c.MaxSeconds == 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_seconds must be > 0"))
	} else if c.MaxSeconds > maxWindowSeconds {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_seconds %d exceeds the 24h maximum (%d)", c.MaxSeconds, maxWindowSeconds))
	}

	quality := strings.ToLower(c.Quality)
	if quality == "" {
		// unset: silently default, not worth a warning.
		c.Quality = "medium"
	} else if !validQualities[quality] {
		r.Warnings = append(r.Warnings, fmt.Errorf("quality %q is not recognized, clamping to medium", c.Quality))
		c.Quality = "medium"
	} else {
		c.Quality = quality
	}

	if c.TargetFPS <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_fps %d is below minimum 1, clamping", c.TargetFPS))
		c.TargetFPS = 1
	} else if c.TargetFPS > 240 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_fps %d exceeds maximum 240, clamping", c.TargetFPS))
		c.TargetFPS = 240
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid, clamping to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid, clamping to text", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.ControlSocketPath == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("control_socket_path is empty, using default"))
		c.ControlSocketPath = Default().ControlSocketPath
	}

	return r
}
