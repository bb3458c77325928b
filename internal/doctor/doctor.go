// Package doctor checks that the local setup can track and submit: configuration,
// wallet, ledger endpoint, stores and audit database.
package doctor

import (
	"context"
	"encoding/json"
	"io"
	"os"
)

// Doctor runs a set of checkers and reports their results
type Doctor struct {
	checkers []Checker
	writer   io.Writer
	options  Options
}

// New creates a doctor writing to w. A nil w writes to stdout.
func New(opts Options, w io.Writer, checkers ...Checker) *Doctor {
	if w == nil {
		w = os.Stdout
	}
	return &Doctor{
		checkers: checkers,
		writer:   w,
		options:  opts,
	}
}

// AddChecker adds a custom checker
func (d *Doctor) AddChecker(c Checker) {
	d.checkers = append(d.checkers, c)
}

// Run executes all checks, repairing fixable failures when asked, and writes
// the report
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	checkers := d.filterCheckers()
	report := &Report{
		Checks: make([]CheckResult, 0, len(checkers)),
	}

	for _, checker := range checkers {
		result := d.runChecker(ctx, checker)
		report.Checks = append(report.Checks, result)
		updateSummary(&report.Summary, result)
	}

	if d.options.JSON {
		return report, d.outputJSON(report)
	}
	return report, renderReport(d.writer, report, d.options.Fix)
}

func (d *Doctor) runChecker(ctx context.Context, checker Checker) CheckResult {
	result := checker.Check(ctx)

	fixer, ok := checker.(Fixer)
	if !ok || !d.options.Fix || !result.Fixable || result.Status != StatusError {
		return result
	}
	if err := fixer.Fix(ctx); err != nil {
		result.FixError = err.Error()
		return result
	}
	result = checker.Check(ctx)
	result.Fixed = true
	return result
}

// filterCheckers returns checkers filtered by category if specified
func (d *Doctor) filterCheckers() []Checker {
	if d.options.Category == "" {
		return d.checkers
	}

	filtered := make([]Checker, 0)
	for _, c := range d.checkers {
		if c.Category() == d.options.Category {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func updateSummary(summary *Summary, result CheckResult) {
	summary.Total++
	switch result.Status {
	case StatusOK:
		summary.Passed++
	case StatusError:
		summary.Failed++
		if result.Fixable {
			summary.Fixable++
		}
	case StatusWarning:
		summary.Warned++
	case StatusSkipped:
		summary.Skipped++
	}
}

func (d *Doctor) outputJSON(report *Report) error {
	enc := json.NewEncoder(d.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
