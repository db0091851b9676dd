package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/sarchlab/autoinstr/activation"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	nameStyle     = lipgloss.NewStyle().Width(20)
	groupStyle    = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("245"))
	conflictStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func stateStyle(s activation.State) lipgloss.Style {
	style := lipgloss.NewStyle().Width(24)

	switch {
	case s == activation.Active:
		return style.Foreground(lipgloss.Color("46"))
	case s == activation.Failed:
		return style.Foreground(lipgloss.Color("196"))
	case s.Skipped():
		return style.Foreground(lipgloss.Color("240"))
	}

	return style
}

func renderReport(r *activation.Report) string {
	rows := []string{
		titleStyle.Render(fmt.Sprintf("Phase %s, distro %q, configurator %q",
			r.Phase, r.Distro, r.Configurator)),
	}

	for _, rec := range r.Records {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			nameStyle.Render(rec.Name),
			groupStyle.Render(string(rec.Group)),
			stateStyle(rec.State).Render(rec.State.String()),
			dimStyle.Render(rec.Detail),
		))
	}

	if !r.Conflicts.OK() {
		rows = append(rows, conflictStyle.Render(r.Conflicts.String()))
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}
