// Package email handles sending notification digest emails via multiple
// providers.
package email

import (
	"context"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}
