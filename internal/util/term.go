package util

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// IsTerminal reports whether stdout is attached to a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColors decides whether terminal output should be colourised.
// Honours NO_COLOR and FORCE_COLOR before falling back to TTY detection.
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if convoyColors := os.Getenv("CONVOY_FORCE_COLORS"); convoyColors != "" {
		return strings.ToLower(convoyColors) == "true"
	}

	return IsTerminal()
}
