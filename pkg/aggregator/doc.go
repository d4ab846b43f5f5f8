// Package aggregator is documented in aggregator.go.
package aggregator
