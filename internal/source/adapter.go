package source

import "context"

// Adapter is implemented once per external system. Implementations are
// stateful with respect to connection/session only; Fetch is idempotent
// for a given range.
//
// Every failure is returned as *AdapterError. An adapter never returns
// partial data alongside a non-nil error.
type Adapter interface {
	// Connect establishes the session (verifies credentials, paths).
	Connect(ctx context.Context) error

	// HealthCheck probes the live connection cheaply.
	HealthCheck(ctx context.Context) error

	// Fetch retrieves the record for the half-open range tr.
	// An inverted range fails with KindMalformed.
	Fetch(ctx context.Context, tr TimeRange) (Record, error)

	// Disconnect releases the session. Idempotent, safe before Connect.
	Disconnect(ctx context.Context) error
}

// TokenRefresher is implemented by adapters whose credentials expire and
// can be rotated out-of-band (OAuth refresh tokens).
type TokenRefresher interface {
	RefreshAuth(ctx context.Context) error
}
