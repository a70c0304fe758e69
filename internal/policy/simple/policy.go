// Package simple contains the permissive pacing policy used when rate
// limiting is disabled.
package simple

import "context"

// Policy never delays a request.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns immediately.
func (Policy) Wait(_ context.Context, _ string, _ float64) error {
	return nil
}
