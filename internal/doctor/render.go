package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// categoryOrder is the order report sections are printed in
var categoryOrder = []Category{CategoryConfig, CategoryWallet, CategoryLedger, CategoryStorage, CategorySystem}

var categoryTitles = map[Category]string{
	CategoryConfig:  "Configuration",
	CategoryWallet:  "Wallet",
	CategoryLedger:  "Ledger",
	CategoryStorage: "Storage",
	CategorySystem:  "System",
}

var statusIcons = map[Status]string{
	StatusOK:      "✓",
	StatusWarning: "!",
	StatusError:   "✗",
	StatusSkipped: "-",
}

type reportStyles struct {
	title   lipgloss.Style
	section lipgloss.Style
	name    lipgloss.Style
	detail  lipgloss.Style
	hint    lipgloss.Style
	status  map[Status]lipgloss.Style
}

// newReportStyles binds styles to w; writers that are not terminals get plain text
func newReportStyles(w io.Writer) reportStyles {
	r := lipgloss.NewRenderer(w)
	if !isTerminal(w) {
		plain := r.NewStyle()
		return reportStyles{
			title: plain, section: plain, name: plain.Width(18), detail: plain, hint: plain,
			status: map[Status]lipgloss.Style{
				StatusOK: plain, StatusWarning: plain, StatusError: plain, StatusSkipped: plain,
			},
		}
	}
	return reportStyles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B")),
		section: r.NewStyle().Bold(true).Underline(true),
		name:    r.NewStyle().Width(18),
		detail:  r.NewStyle().Faint(true),
		hint:    r.NewStyle().Foreground(lipgloss.Color("#06B6D4")),
		status: map[Status]lipgloss.Style{
			StatusOK:      r.NewStyle().Foreground(lipgloss.Color("#10B981")),
			StatusWarning: r.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
			StatusError:   r.NewStyle().Foreground(lipgloss.Color("#EF4444")),
			StatusSkipped: r.NewStyle().Faint(true),
		},
	}
}

// renderReport writes the report grouped by category, followed by the summary
// and the next step to take
func renderReport(w io.Writer, report *Report, fixRan bool) error {
	st := newReportStyles(w)

	var b strings.Builder
	b.WriteString(st.title.Render("phasestake doctor") + "\n")
	for _, cat := range orderedCategories(report.Checks) {
		title, ok := categoryTitles[cat]
		if !ok {
			title = string(cat)
		}
		b.WriteString("\n" + st.section.Render(title) + "\n")
		for _, r := range report.Checks {
			if r.Category == cat {
				writeResult(&b, st, r)
			}
		}
	}

	b.WriteString("\n" + summaryLine(st, report.Summary) + "\n")
	if hint := nextStep(report, fixRan); hint != "" {
		b.WriteString(st.hint.Render(hint) + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// orderedCategories returns the categories present in checks, known ones first
func orderedCategories(checks []CheckResult) []Category {
	present := make(map[Category]bool)
	for _, c := range checks {
		present[c.Category] = true
	}

	var out []Category
	for _, cat := range categoryOrder {
		if present[cat] {
			out = append(out, cat)
			delete(present, cat)
		}
	}
	for _, c := range checks {
		if present[c.Category] {
			out = append(out, c.Category)
			delete(present, c.Category)
		}
	}
	return out
}

func writeResult(b *strings.Builder, st reportStyles, r CheckResult) {
	icon := st.status[r.Status].Render(statusIcons[r.Status])
	fmt.Fprintf(b, "  %s %s %s\n", icon, st.name.Render(r.Name), r.Message)

	if r.Details != "" {
		fmt.Fprintf(b, "      %s\n", st.detail.Render(r.Details))
	}
	switch {
	case r.Fixed:
		fmt.Fprintf(b, "      %s\n", st.hint.Render("repaired by --fix"))
	case r.FixError != "":
		fmt.Fprintf(b, "      %s\n", st.status[StatusError].Render("fix failed: "+r.FixError))
	case r.Status == StatusError && r.Fixable && r.FixCommand != "":
		fmt.Fprintf(b, "      fix: %s\n", r.FixCommand)
	}
}

func summaryLine(st reportStyles, s Summary) string {
	parts := []string{
		st.status[StatusOK].Render(fmt.Sprintf("%d passed", s.Passed)),
		st.status[StatusError].Render(fmt.Sprintf("%d failed", s.Failed)),
	}
	if s.Warned > 0 {
		parts = append(parts, st.status[StatusWarning].Render(fmt.Sprintf("%d warnings", s.Warned)))
	}
	if s.Skipped > 0 {
		parts = append(parts, st.status[StatusSkipped].Render(fmt.Sprintf("%d skipped", s.Skipped)))
	}
	return "Summary: " + strings.Join(parts, ", ")
}

// nextStep suggests --fix when it would help, otherwise names the failing sections
func nextStep(report *Report, fixRan bool) string {
	if report.Summary.Failed == 0 {
		return ""
	}
	if report.Summary.Fixable > 0 && !fixRan {
		return "Run 'phasestake doctor --fix' to repair fixable problems."
	}

	var failing []string
	for _, cat := range orderedCategories(report.Checks) {
		for _, r := range report.Checks {
			if r.Category == cat && r.Status == StatusError {
				failing = append(failing, string(cat))
				break
			}
		}
	}
	return "Failing checks in: " + strings.Join(failing, ", ")
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
