// Package report delivers fault reports to a remote collector, without ever
// blocking or failing the caller. Reports are batched (see
// github.com/joeycumines/go-microbatch) and rate limited per kind (see
// github.com/joeycumines/go-catrate).
package report

import (
	"context"
	"fmt"
	"time"
)

// Report kinds.
const (
	// KindCrash is a fatal fault, or a recoverable fault that is treated as
	// one.
	KindCrash = `crash`
	// KindException is a recoverable fault.
	KindException = `exception`
)

// Report is a single fault report.
type Report struct {
	Time           time.Time `json:"time"`
	Kind           string    `json:"kind"`
	InstallationID string    `json:"installation_id"`
	Version        string    `json:"version"`
	Text           string    `json:"text"`
}

// Transport sends a batch of reports.
type Transport interface {
	Send(ctx context.Context, reports []*Report) error
}

// TransportFunc implements Transport.
type TransportFunc func(ctx context.Context, reports []*Report) error

var _ Transport = TransportFunc(nil)

// Send implements Transport.
func (x TransportFunc) Send(ctx context.Context, reports []*Report) error {
	return x(ctx, reports)
}

// TransportPanicError wraps a value recovered from a panicking Transport.
type TransportPanicError struct {
	Value any
}

// Error implements the error interface.
func (e *TransportPanicError) Error() string {
	return fmt.Sprintf("report: transport panicked: %v", e.Value)
}

// Unwrap returns the underlying error if Value is an error.
func (e *TransportPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
