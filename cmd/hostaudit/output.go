package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rcourtman/hostaudit/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	safeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	fixedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	vulnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	manualStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func statusText(s models.Status) string {
	switch s {
	case models.StatusSafe:
		return safeStyle.Render(string(s))
	case models.StatusFixed:
		return fixedStyle.Render(string(s))
	case models.StatusVulnerable:
		return vulnStyle.Render(string(s))
	case models.StatusManual:
		return manualStyle.Render(string(s))
	}
	return string(s)
}

func renderTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("(none)"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func countCell(n int, style lipgloss.Style) string {
	if n == 0 {
		return "0"
	}
	return style.Render(strconv.Itoa(n))
}

func snapshotRow(s *models.AuditSnapshot) []string {
	c := s.Counts()
	regression := "no"
	if s.Regression {
		regression = vulnStyle.Render(strings.Join(s.RegressionIDs, ","))
	}
	return []string{
		s.ID,
		formatTime(s.CompletedAt),
		strconv.Itoa(len(s.Findings)),
		countCell(c[models.StatusSafe]+c[models.StatusFixed], safeStyle),
		countCell(c[models.StatusVulnerable], vulnStyle),
		countCell(c[models.StatusManual], manualStyle),
		regression,
	}
}

var snapshotHeaders = []string{"AUDIT", "COMPLETED", "CHECKS", "COMPLIANT", "VULNERABLE", "MANUAL", "REGRESSION"}

func findingRows(findings []models.Finding) [][]string {
	rows := make([][]string, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, []string{
			f.ID,
			statusText(f.Status),
			string(f.Severity),
			f.Category,
			f.Name,
			truncate(f.CurrentValue, 48),
		})
	}
	return rows
}

var findingHeaders = []string{"ID", "STATUS", "SEVERITY", "CATEGORY", "NAME", "CURRENT"}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
