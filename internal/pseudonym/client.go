// Package pseudonym provides the clients that exchange identifying values
// for pseudonyms with an external pseudonym service, plus the caching layer
// and the engine strategies built on them.
package pseudonym

import (
	"context"
	"fmt"
)

// Client resolves pseudonyms against a backend service.
type Client interface {
	// GetOrCreatePseudonymFor exchanges a value for its pseudonym in the
	// given domain, creating one if the backend has none yet. Failure is
	// fatal for the request: returning an un-pseudonymized original would
	// leak it.
	GetOrCreatePseudonymFor(ctx context.Context, value, domain string) (string, error)

	// GetOriginalValueFor looks a pseudonym back up. Implementations
	// degrade gracefully when the backend cannot resolve it, returning the
	// pseudonym unchanged.
	GetOriginalValueFor(ctx context.Context, pseudonym, domain string) (string, error)
}

// NoopClient is installed when no pseudonym service is configured. Reaching
// it means the rule configuration uses the pseudonymize method without a
// backend, which must fail loudly instead of passing values through.
type NoopClient struct{}

func (NoopClient) GetOrCreatePseudonymFor(context.Context, string, string) (string, error) {
	return "", errNoService
}

func (NoopClient) GetOriginalValueFor(context.Context, string, string) (string, error) {
	return "", errNoService
}

var errNoService = fmt.Errorf(
	"pseudonym: service is configured as 'none' but the rule configuration uses the pseudonymize method")
