package chattui

import "github.com/charmbracelet/lipgloss"

// Theme defines the chat TUI colors (ANSI-256 codes).
type Theme struct {
	Name     string
	Fg       string
	Muted    string
	Accent   string
	Own      string
	Other    string
	Selected string
	Unread   string
	Online   string
	Pending  string
	Offline  string
}

// DefaultTheme is the baseline dark palette.
var DefaultTheme = Theme{
	Name:     "default",
	Fg:       "252",
	Muted:    "245",
	Accent:   "75",
	Own:      "81",
	Other:    "147",
	Selected: "75",
	Unread:   "214",
	Online:   "41",
	Pending:  "220",
	Offline:  "203",
}

// HighContrastTheme trades subtlety for legibility.
var HighContrastTheme = Theme{
	Name:     "high-contrast",
	Fg:       "15",
	Muted:    "250",
	Accent:   "14",
	Own:      "14",
	Other:    "15",
	Selected: "11",
	Unread:   "11",
	Online:   "10",
	Pending:  "11",
	Offline:  "9",
}

// Themes lists available palettes by name.
var Themes = map[string]Theme{
	DefaultTheme.Name:      DefaultTheme,
	HighContrastTheme.Name: HighContrastTheme,
}

// ThemeByName falls back to the default palette for unknown names.
func ThemeByName(name string) Theme {
	if t, ok := Themes[name]; ok {
		return t
	}
	return DefaultTheme
}

type styles struct {
	header   lipgloss.Style
	muted    lipgloss.Style
	accent   lipgloss.Style
	own      lipgloss.Style
	other    lipgloss.Style
	selected lipgloss.Style
	unread   lipgloss.Style
	online   lipgloss.Style
	pending  lipgloss.Style
	offline  lipgloss.Style
}

func newStyles(t Theme) styles {
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	return styles{
		header:   fg(t.Fg).Bold(true),
		muted:    fg(t.Muted),
		accent:   fg(t.Accent),
		own:      fg(t.Own).Bold(true),
		other:    fg(t.Other).Bold(true),
		selected: fg(t.Selected).Bold(true),
		unread:   fg(t.Unread).Bold(true),
		online:   fg(t.Online),
		pending:  fg(t.Pending),
		offline:  fg(t.Offline),
	}
}
