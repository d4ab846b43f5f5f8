// Package supervisor is documented in supervisor.go.
package supervisor
