// Package doctor runs environment preflight checks before serving.
package doctor

import (
	"fmt"
	"io"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Check is one named diagnostic. Run returns a short detail string on success.
// A skipped check prints Reason and never fails.
type Check struct {
	Name   string
	Run    func() (string, error)
	Skip   bool
	Reason string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

// Run executes checks in order and writes one line per check to w.
func Run(checks []Check, w io.Writer) Result {
	var res Result

	for _, c := range checks {
		if c.Skip {
			reason := c.Reason
			if reason == "" {
				reason = "skipped"
			}
			fmt.Fprintf(w, "%s %s: %s\n", PassMark, c.Name, reason)
			continue
		}

		detail, err := c.Run()
		if err != nil {
			res.AddFailure(fmt.Sprintf("%s: %v", c.Name, err))
			fmt.Fprintf(w, "%s %s: %v\n", FailMark, c.Name, err)
			continue
		}
		fmt.Fprintf(w, "%s %s: %s\n", PassMark, c.Name, detail)
	}

	return res
}
