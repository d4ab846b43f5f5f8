// Package gateway implements the executor node's external HTTP
// ingress: matching inbound requests to a stack's declared routes and
// forwarding them to whichever node currently owns that stack.
package gateway
