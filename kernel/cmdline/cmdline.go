// Package cmdline parses the kernel command line handed over by the
// bootloader. Only the options consumed by the kernel core are recognized;
// unknown tokens are ignored with a debug log so experimental loader
// configurations never prevent the kernel from booting.
package cmdline

import (
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
)

// SuiteMask selects which fault-injection test suites to run.
type SuiteMask uint8

const (
	// SuiteBasic covers the breakpoint, invalid-opcode, divide-by-zero and
	// no-fault tests.
	SuiteBasic SuiteMask = 1 << iota

	// SuiteMemory covers the unmapped-page read and write tests.
	SuiteMemory

	// SuiteControl covers the overflow-trap and refused critical-override
	// tests.
	SuiteControl

	// SuiteAll enables every suite.
	SuiteAll = SuiteBasic | SuiteMemory | SuiteControl
)

// Verbosity controls how much per-test output the harness produces.
type Verbosity uint8

const (
	// VerbosityQuiet suppresses all harness output except failures.
	VerbosityQuiet Verbosity = iota

	// VerbositySummary prints one line per suite plus the final totals.
	VerbositySummary

	// VerbosityVerbose prints one line per test.
	VerbosityVerbose
)

// Config holds the parsed values of every core-consumed command line
// option, populated with their boot defaults.
type Config struct {
	// TestsEnabled turns the fault-injection harness on.
	TestsEnabled bool

	// Suites is the bitmask of suites the harness will run.
	Suites SuiteMask

	// Verbosity selects the harness output level.
	Verbosity Verbosity

	// TimeoutMillis bounds the combined wall-clock budget for all suites;
	// 0 disables the timeout.
	TimeoutMillis uint64

	// ShutdownAfterTests halts the machine once the harness completes.
	ShutdownAfterTests bool

	// StacktraceDemo enables the stack-trace demonstration test.
	StacktraceDemo bool
}

// Defaults returns the configuration the kernel assumes when an option is
// absent from the command line.
func Defaults() Config {
	return Config{
		Suites:    SuiteAll,
		Verbosity: VerbositySummary,
	}
}

// Parse tokenizes cmdline and overlays any recognized option onto the
// default configuration. Parsing is case-insensitive and the legacy
// "interrupt_tests." option prefix is accepted as an alias for "itests.".
func Parse(cmdline string) Config {
	cfg := Defaults()

	for start := 0; start < len(cmdline); {
		// Skip separating whitespace
		if cmdline[start] == ' ' || cmdline[start] == '\t' {
			start++
			continue
		}

		end := start
		for end < len(cmdline) && cmdline[end] != ' ' && cmdline[end] != '\t' {
			end++
		}

		parseToken(&cfg, cmdline[start:end])
		start = end
	}

	return cfg
}

func parseToken(cfg *Config, token string) {
	key, value := splitOption(token)
	key = lower(key)
	value = lower(value)

	// Accept the legacy option prefix as an alias
	if rest, ok := trimPrefix(key, "interrupt_tests"); ok {
		key = "itests" + rest
	}

	switch key {
	case "itests":
		switch value {
		case "on":
			cfg.TestsEnabled = true
		case "off":
			cfg.TestsEnabled = false
		default:
			// A bare suite name implies "on" with just that suite
			if mask, ok := suiteMask(value); ok {
				cfg.TestsEnabled = true
				cfg.Suites = mask
				return
			}
			debugIgnored(token)
		}
	case "itests.suite":
		mask, ok := parseSuiteList(value)
		if !ok {
			debugIgnored(token)
			return
		}
		cfg.Suites = mask
	case "itests.verbosity":
		switch value {
		case "quiet":
			cfg.Verbosity = VerbosityQuiet
		case "summary":
			cfg.Verbosity = VerbositySummary
		case "verbose":
			cfg.Verbosity = VerbosityVerbose
		default:
			debugIgnored(token)
		}
	case "itests.timeout":
		ms, ok := parseMillis(value)
		if !ok {
			debugIgnored(token)
			return
		}
		cfg.TimeoutMillis = ms
	case "itests.shutdown":
		if on, ok := parseBool(value); ok {
			cfg.ShutdownAfterTests = on
			return
		}
		debugIgnored(token)
	case "itests.stacktrace_demo":
		if on, ok := parseBool(value); ok {
			cfg.StacktraceDemo = on
			return
		}
		debugIgnored(token)
	default:
		debugIgnored(token)
	}
}

// splitOption splits "key=value" at the first '='. A token without '='
// yields an empty value.
func splitOption(token string) (string, string) {
	for i := 0; i < len(token); i++ {
		if token[i] == '=' {
			return token[:i], token[i+1:]
		}
	}
	return token, ""
}

// suiteMask maps a single suite name to its mask bit.
func suiteMask(name string) (SuiteMask, bool) {
	switch name {
	case "all":
		return SuiteAll, true
	case "basic":
		return SuiteBasic, true
	case "memory":
		return SuiteMemory, true
	case "control":
		return SuiteControl, true
	}
	return 0, false
}

// parseSuiteList parses a '+'-separated list of suite names into a mask.
func parseSuiteList(value string) (SuiteMask, bool) {
	var mask SuiteMask

	for start := 0; start <= len(value); {
		end := start
		for end < len(value) && value[end] != '+' {
			end++
		}

		part, ok := suiteMask(value[start:end])
		if !ok {
			return 0, false
		}
		mask |= part
		start = end + 1
	}

	return mask, mask != 0
}

// parseBool maps on/off to a boolean.
func parseBool(value string) (bool, bool) {
	switch value {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	return false, false
}

// parseMillis parses a decimal duration with an optional "ms" suffix.
func parseMillis(value string) (uint64, bool) {
	if rest, ok := trimSuffix(value, "ms"); ok {
		value = rest
	}
	if len(value) == 0 {
		return 0, false
	}

	var ms uint64
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		ms = ms*10 + uint64(ch-'0')
	}
	return ms, true
}

// lower returns s with any ASCII upper-case letters folded to lower case.
// Option tokens are always ASCII so no utf8 handling is required; the
// common all-lower-case path performs no allocation.
func lower(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

func trimPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}

func trimSuffix(s, suffix string) (string, bool) {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return s, false
}

func debugIgnored(token string) {
	early.Printf("cmdline: ignoring unrecognized option %s\n", token)
}
