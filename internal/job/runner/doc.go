// Package runner executes scheduled jobs on a bounded worker pool.
//
// The scheduler is trigger-only: it enqueues fires here and this package
// owns timeouts, retries, overlap gating, and the immutable run history.
package runner
