package doctor

import (
	"context"
)

// Category represents a category of checks
type Category string

const (
	CategoryConfig  Category = "config"
	CategoryWallet  Category = "wallet"
	CategoryLedger  Category = "ledger"
	CategoryStorage Category = "storage"
	CategorySystem  Category = "system"
)

// Status represents the result status of a check
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// CheckResult represents the result of a single check
type CheckResult struct {
	Name       string   `json:"name"`
	Category   Category `json:"category"`
	Status     Status   `json:"status"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	Fixable    bool     `json:"fixable"`
	FixCommand string   `json:"fix_command,omitempty"`
	Fixed      bool     `json:"fixed,omitempty"`
	FixError   string   `json:"fix_error,omitempty"`
}

// Checker is implemented by every check
type Checker interface {
	// Name returns the display name of the checker
	Name() string
	// Category returns the category this checker belongs to
	Category() Category
	// Check performs the check and returns the result
	Check(ctx context.Context) CheckResult
}

// Fixer is implemented by checkers that can repair what they check
type Fixer interface {
	Fix(ctx context.Context) error
}

// Options configures a doctor run
type Options struct {
	// Fix repairs fixable failures
	Fix bool
	// JSON outputs results as JSON
	JSON bool
	// Category filters checks to a specific category
	Category Category
}

// Report is the complete report from running all checks
type Report struct {
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Summary provides an overview of the check results
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Warned  int `json:"warned"`
	Skipped int `json:"skipped"`
	Fixable int `json:"fixable"`
}

// IsHealthy returns true if no check failed
func (s Summary) IsHealthy() bool {
	return s.Failed == 0
}
