package cmd

import (
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

// Colors using AdaptiveColor for light/dark terminal support.
var (
	colorDim    = lipgloss.AdaptiveColor{Light: "242", Dark: "240"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "28", Dark: "40"}
	colorRed    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorYellow = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "30", Dark: "45"}
	colorWhite  = lipgloss.AdaptiveColor{Light: "0", Dark: "15"}
)

// palette holds styles bound to one output's renderer, so colors are only
// emitted when that output is a terminal.
type palette struct {
	time     lipgloss.Style
	source   lipgloss.Style
	header   lipgloss.Style
	dim      lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	fail     lipgloss.Style
	progress lipgloss.Style
	levels   map[botlog.Level]lipgloss.Style
	unknown  lipgloss.Style
}

func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	level := r.NewStyle().Width(8).Bold(true)
	return palette{
		time:     r.NewStyle().Foreground(colorDim),
		source:   r.NewStyle().Foreground(colorCyan),
		header:   r.NewStyle().Bold(true).Foreground(colorWhite),
		dim:      r.NewStyle().Foreground(colorDim),
		ok:       r.NewStyle().Foreground(colorGreen),
		warn:     r.NewStyle().Foreground(colorYellow),
		fail:     r.NewStyle().Foreground(colorRed),
		progress: r.NewStyle().Foreground(colorCyan).Bold(true),
		levels: map[botlog.Level]lipgloss.Style{
			botlog.LevelError:   level.Foreground(colorRed),
			botlog.LevelWarning: level.Foreground(colorYellow),
			botlog.LevelSuccess: level.Foreground(colorGreen),
			botlog.LevelInfo:    level.Foreground(colorCyan),
			botlog.LevelDebug:   level.Foreground(colorDim),
		},
		unknown: level.Foreground(colorWhite),
	}
}

func (p palette) level(l botlog.Level) lipgloss.Style {
	if s, ok := p.levels[l]; ok {
		return s
	}
	return p.unknown
}
