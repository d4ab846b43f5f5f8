// Package chainmon polls a ChainClient for stack and escrow events and
// submits signed usage reports, reconnecting forever on failure.
package chainmon
