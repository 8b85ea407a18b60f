package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"sdfs/pkg/client"
	"sdfs/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Style definitions
var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	serverStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(dangerColor)
)

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return rowStyle.Copy().Foreground(fgColor)
		})
}

// printResults prints every server's reply under its address.
func printResults(results []client.Result) {
	for _, res := range results {
		fmt.Println(serverStyle.Render("== " + res.Server + " =="))
		if res.Err != nil {
			fmt.Println(errorStyle.Render("  " + res.Err.Error()))
			continue
		}
		if len(res.Lines) == 0 {
			fmt.Println(mutedStyle.Render("  (no output)"))
		}
		for _, l := range res.Lines {
			fmt.Println("  " + l)
		}
	}
}

// renderMembers shows each server's view, marking servers that disagree
// with the majority list.
func renderMembers(views []client.MemberView) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Membership"))
	b.WriteString("\n")

	counts := make(map[string]int)
	for _, v := range views {
		if v.Err == nil {
			counts[types.JoinIDs(v.Members)]++
		}
	}
	var majority string
	best := 0
	for list, n := range counts {
		if n > best || (n == best && list < majority) {
			majority, best = list, n
		}
	}

	t := newTable().Headers("SERVER", "SELF", "SIZE", "COORDINATOR", "VIEW")
	for _, v := range views {
		if v.Err != nil {
			t.Row(v.Server, "-", "-", "-", errorStyle.Render("unreachable: "+v.Err.Error()))
			continue
		}
		coordinator := "-"
		if len(v.Members) > 0 {
			coordinator = string(v.Members[0])
		}
		view := lipgloss.NewStyle().Foreground(accentColor).Render("agrees")
		if types.JoinIDs(v.Members) != majority {
			view = lipgloss.NewStyle().Foreground(warningColor).Render("diverges")
		}
		t.Row(v.Server, string(v.Self), strconv.Itoa(len(v.Members)), coordinator, view)
	}
	b.WriteString(t.Render())
	b.WriteString("\n")

	if majority != "" {
		b.WriteString(mutedStyle.Render("members: " + majority))
		b.WriteString("\n")
	}
	return b.String()
}

func renderHolders(filename string, holders []string, queried int) string {
	var b strings.Builder
	if len(holders) == 0 {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s: not found on any of %d servers", filename, queried)))
		b.WriteString("\n")
		return b.String()
	}
	sort.Strings(holders)
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s is stored on %d of %d servers", filename, len(holders), queried)))
	b.WriteString("\n")
	for _, h := range holders {
		b.WriteString("  " + h + "\n")
	}
	return b.String()
}

func renderStore(results []client.Result) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Stored files"))
	b.WriteString("\n")

	t := newTable().Headers("SERVER", "FILE", "VERSIONS", "LATEST SIZE")
	for _, res := range results {
		if res.Err != nil {
			t.Row(res.Server, errorStyle.Render(res.Err.Error()), "-", "-")
			continue
		}
		files, err := client.ParseStore(res.Lines)
		if err != nil {
			t.Row(res.Server, errorStyle.Render(err.Error()), "-", "-")
			continue
		}
		if len(files) == 0 {
			t.Row(res.Server, mutedStyle.Render("(empty)"), "-", "-")
			continue
		}
		for _, f := range files {
			t.Row(res.Server, f.Name, strconv.Itoa(f.Versions), humanize.IBytes(uint64(f.Size)))
		}
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

func renderHealth(service string, rows []healthRow) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Health (" + service + ")"))
	b.WriteString("\n")

	t := newTable().Headers("SERVER", "STATUS", "LATENCY")
	for _, r := range rows {
		if r.err != nil {
			t.Row(r.server, errorStyle.Render("🔴 "+r.err.Error()), "-")
			continue
		}
		status := "🟢 " + r.status.String()
		style := lipgloss.NewStyle().Foreground(accentColor)
		if r.status != healthpb.HealthCheckResponse_SERVING {
			status = "🟠 " + r.status.String()
			style = lipgloss.NewStyle().Foreground(warningColor)
		}
		t.Row(r.server, style.Render(status), r.latency.Round(100 * time.Microsecond).String())
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}
