package theme

import (
	"github.com/pterm/pterm"
)

// Theme defines the colour scheme used by the styled logger.
type Theme struct {
	// Log level colours
	Debug *pterm.Style
	Info  *pterm.Style
	Warn  *pterm.Style
	Error *pterm.Style
	Fatal *pterm.Style

	// Component colours
	Success   *pterm.Style
	Highlight *pterm.Style
	Muted     *pterm.Style
	Accent    *pterm.Style
	Counts    pterm.Color
	Numbers   pterm.Color

	// Domain colours
	Worker        pterm.Color
	Stream        pterm.Color
	HealthOnline  pterm.Color
	HealthDegrade pterm.Color
	HealthOffline pterm.Color
}

// Default returns the default application theme
func Default() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgGreen),
		Warn:  pterm.NewStyle(pterm.FgYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgRed, pterm.Bold),
		Fatal: pterm.NewStyle(pterm.FgWhite, pterm.BgRed, pterm.Bold),

		Success:   pterm.NewStyle(pterm.FgGreen, pterm.Bold),
		Highlight: pterm.NewStyle(pterm.FgCyan, pterm.Bold),
		Muted:     pterm.NewStyle(pterm.FgGray),
		Accent:    pterm.NewStyle(pterm.FgMagenta),
		Counts:    pterm.FgCyan,
		Numbers:   pterm.FgLightMagenta,

		Worker:        pterm.FgCyan,
		Stream:        pterm.FgBlue,
		HealthOnline:  pterm.FgGreen,
		HealthDegrade: pterm.FgYellow,
		HealthOffline: pterm.FgRed,
	}
}

// Plain returns a theme with no emphasis, used when colours are disabled.
func Plain() *Theme {
	style := pterm.NewStyle(pterm.FgDefault)
	return &Theme{
		Debug:     style,
		Info:      style,
		Warn:      style,
		Error:     style,
		Fatal:     style,
		Success:   style,
		Highlight: style,
		Muted:     style,
		Accent:    style,
		Counts:    pterm.FgDefault,
		Numbers:   pterm.FgDefault,

		Worker:        pterm.FgDefault,
		Stream:        pterm.FgDefault,
		HealthOnline:  pterm.FgDefault,
		HealthDegrade: pterm.FgDefault,
		HealthOffline: pterm.FgDefault,
	}
}

// GetTheme resolves a theme by name, falling back to the default.
func GetTheme(name string) *Theme {
	switch name {
	case "plain":
		return Plain()
	default:
		return Default()
	}
}
