// Package integration provides integration tests that verify store and
// server behavior against a real PostgreSQL instance via testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
