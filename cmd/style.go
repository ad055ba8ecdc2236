// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// printHeader prints the command banner with labelled lines
func printHeader(title string, lines ...[2]string) {
	fmt.Println(titleStyle.Render("bmsmon - " + title))
	for _, l := range lines {
		fmt.Printf("%s %s\n", labelStyle.Render(l[0]+":"), l[1])
	}
	fmt.Println()
}

func timestamp(t time.Time) string {
	return t.Format("15:04:05.000")
}

// statusStyle colors a session status
func statusStyle(st session.Status) lipgloss.Style {
	switch st {
	case session.StatusConnected:
		return okStyle
	case session.StatusDisconnected:
		return errorStyle
	default:
		return warningStyle
	}
}

func printStatus(st session.Status) {
	fmt.Printf("[%s] %s %s\n", timestamp(time.Now()), labelStyle.Render("STATUS"), statusStyle(st).Render(st.String()))
}

func printError(err error) {
	fmt.Printf("[%s] %s %v\n", timestamp(time.Now()), errorStyle.Render("ERROR"), err)
}
