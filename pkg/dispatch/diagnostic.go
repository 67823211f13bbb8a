package dispatch

import "github.com/niels/reqpanel/pkg/request"

// Diagnostic echoes the method and raw path of every request to the observer
// and answers 200 with an empty body.
type Diagnostic struct{}

// NewDiagnostic creates the diagnostic policy
func NewDiagnostic() *Diagnostic {
	return &Diagnostic{}
}

// Name identifies the policy
func (d *Diagnostic) Name() string { return "diagnostic" }

// Dispatch always succeeds
func (d *Diagnostic) Dispatch(rec request.Record) Outcome {
	return Outcome{
		StatusCode:  200,
		ContentType: ContentTypePlain,
		Summary:     rec.Summary(),
	}
}
