package dispatch

import (
	"fmt"

	"github.com/niels/reqpanel/pkg/request"
)

// ErrorKind classifies a failed request
type ErrorKind string

const (
	// ErrorNone marks a request that was answered normally
	ErrorNone ErrorKind = ""
	// ErrorReadFailure marks a resource that exists but could not be read
	ErrorReadFailure ErrorKind = "read_failure"
	// ErrorMalformedRequest marks a request line that could not be parsed
	ErrorMalformedRequest ErrorKind = "malformed_request"
)

// Content types used in responses
const (
	ContentTypePlain = "text/plain"
)

// Outcome is the response computed for a single request
type Outcome struct {
	StatusCode  int
	ContentType string
	Body        []byte
	ErrorKind   ErrorKind
	// Summary is the text handed to the observer once the response is written
	Summary string
}

// Dispatcher turns a request record into a response outcome
type Dispatcher interface {
	// Name identifies the policy in logs and on the panel
	Name() string
	// Dispatch computes the outcome for rec. It never fails; failures are
	// expressed as status codes on the outcome.
	Dispatch(rec request.Record) Outcome
}

// Malformed returns the outcome for a request line that could not be parsed
func Malformed(err error) Outcome {
	return Outcome{
		StatusCode:  400,
		ContentType: ContentTypePlain,
		ErrorKind:   ErrorMalformedRequest,
		Summary:     fmt.Sprintf("malformed request: %v", err),
	}
}
