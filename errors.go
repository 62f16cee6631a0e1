package main

import (
	"fmt"
	"strings"
)

// Process exit codes. Every error that reaches main carries one through
// its ExitCode method.
const (
	exitSuccess        = 0
	exitCommandError   = 1
	exitConfigError    = 2
	exitEnumeration    = 3
	exitReconciliation = 4
	exitOutput         = 5
)

// ConfigError reports a malformed or incomplete configuration.
type ConfigError struct {
	// Path is the configuration file, empty when parsing from memory
	Path string

	// Entry names the offending entry, e.g. "devices[0].channels[1] (cpu_temp)"
	Entry string

	Err error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString("config")
	if e.Path != "" {
		sb.WriteString(" " + e.Path)
	}
	if e.Entry != "" {
		sb.WriteString(": " + e.Entry)
	}
	sb.WriteString(": " + e.Err.Error())
	return sb.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) ExitCode() int { return exitConfigError }

// EnumerationError reports that the hwmon subsystem could not be read.
type EnumerationError struct {
	Root string
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerating hwmon devices under %s: %v", e.Root, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

func (e *EnumerationError) ExitCode() int { return exitEnumeration }

// FailureReason classifies a reconciliation failure.
type FailureReason string

const (
	// ReasonAbsent: no physical device matched a required logical device.
	ReasonAbsent FailureReason = "absent"
	// ReasonAmbiguous: more than one physical device or channel matched.
	ReasonAmbiguous FailureReason = "ambiguous"
	// ReasonPartial: the device matched but an expected channel is missing.
	ReasonPartial FailureReason = "partial"
	// ReasonConflict: two logical channels resolved to the same physical channel.
	ReasonConflict FailureReason = "conflict"
	// ReasonUnbound: a control's pwm resolved but one of its inputs did not.
	ReasonUnbound FailureReason = "unbound"
)

// Failure is a single reconciliation problem.
type Failure struct {
	Device     string
	Channel    string
	Reason     FailureReason
	Candidates []string
	Detail     string
}

func (f Failure) String() string {
	var sb strings.Builder
	sb.WriteString(f.Device)
	if f.Channel != "" {
		sb.WriteString("/" + f.Channel)
	}
	sb.WriteString(": " + string(f.Reason))
	if f.Detail != "" {
		sb.WriteString(": " + f.Detail)
	}
	if len(f.Candidates) > 0 {
		sb.WriteString(" [candidates: " + strings.Join(f.Candidates, "; ") + "]")
	}
	return sb.String()
}

// ReconciliationError lists every logical entry that could not be resolved.
type ReconciliationError struct {
	Failures []Failure
}

func (e *ReconciliationError) Error() string {
	if len(e.Failures) == 1 {
		return "reconciliation failed: " + e.Failures[0].String()
	}
	lines := make([]string, 0, len(e.Failures)+1)
	lines = append(lines, fmt.Sprintf("reconciliation failed with %d errors:", len(e.Failures)))
	for _, f := range e.Failures {
		lines = append(lines, "  "+f.String())
	}
	return strings.Join(lines, "\n")
}

func (e *ReconciliationError) ExitCode() int { return exitReconciliation }

// Has reports whether a failure with the given reason was recorded for device.
func (e *ReconciliationError) Has(device string, reason FailureReason) bool {
	for _, f := range e.Failures {
		if f.Device == device && f.Reason == reason {
			return true
		}
	}
	return false
}

// OutputError reports a failure writing the fancontrol configuration.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

func (e *OutputError) ExitCode() int { return exitOutput }
