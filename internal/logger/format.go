package logger

import (
	"regexp"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripAnsiCodes removes ANSI colour escape sequences so styled terminal
// messages stay readable in the JSON log file.
func stripAnsiCodes(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}
