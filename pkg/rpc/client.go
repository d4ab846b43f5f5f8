package rpc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/security"
	"github.com/mu-protocol/executor/pkg/types"
	"github.com/mu-protocol/executor/pkg/wire"
)

// defaultRPCTimeout bounds every outbound Internal RPC call; a peer
// that doesn't answer within this window is reported as ErrTimeout
// rather than left to the caller's own context deadline.
const defaultRPCTimeout = 10 * time.Second

type cachedConn struct {
	conn    *grpc.ClientConn
	address string
}

// Client dials other nodes' Internal RPC servers and forwards
// ExecuteFunction calls. One Client is shared across every remote call
// this node makes; connections are cached per peer and re-dialed only
// when the peer's advertised address changes.
type Client struct {
	identity ed25519.PrivateKey
	selfID   types.NodeId
	peers    PeerKeyLookup
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[types.NodeId]*cachedConn
}

// NewClient builds an Internal RPC client using this node's identity
// keypair for its own client certificate.
func NewClient(identity ed25519.PrivateKey, selfID types.NodeId, peers PeerKeyLookup) *Client {
	return &Client{
		identity: identity,
		selfID:   selfID,
		peers:    peers,
		logger:   log.WithComponent("rpc-client"),
		conns:    make(map[types.NodeId]*cachedConn),
	}
}

// Call executes fnID against owner over Internal RPC. A transport-level
// failure (dial, handshake, unreachable peer) is returned as a
// Classified-Transient error; an application-level failure reported in
// the response envelope is returned as *types.RPCError.
func (c *Client) Call(ctx context.Context, owner types.NodeInfo, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error) {
	conn, err := c.connFor(owner)
	if err != nil {
		return nil, types.Transient(fmt.Errorf("rpc: dial %s: %w", owner.Address, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	client := newExecutorServiceClient(conn)
	wireReq := &wire.Request{
		StackID:     fnID.StackId,
		Function:    fnID.Name,
		RequestID:   requestID(),
		Method:      req.Method,
		PathParams:  toWireKVs(req.PathParams),
		QueryParams: toWireKVs(req.QueryParams),
		Headers:     toWireKVs(req.Headers),
		Body:        req.Body,
	}
	resp, err := client.ExecuteFunction(callCtx, wireReq)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &types.RPCError{Kind: types.ErrTimeout, Message: fmt.Sprintf("rpc: call %s: timed out after %s", owner.Address, defaultRPCTimeout)}
		}
		return nil, types.Transient(fmt.Errorf("rpc: call %s: %w", owner.Address, err))
	}
	if !resp.OK {
		return nil, &types.RPCError{Kind: types.RPCErrorKind(resp.ErrorKind), Message: resp.ErrorMsg}
	}
	return resp.Body, nil
}

func (c *Client) connFor(owner types.NodeInfo) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[owner.ID]; ok {
		if cc.address == owner.Address {
			return cc.conn, nil
		}
		_ = cc.conn.Close()
		delete(c.conns, owner.ID)
	}

	cert, err := security.SelfSignedCert(c.identity, c.selfID)
	if err != nil {
		return nil, fmt.Errorf("rpc: build client certificate: %w", err)
	}
	tlsConfig := buildTLSConfig(cert, c.peers, false)
	creds := credentials.NewTLS(tlsConfig)

	conn, err := grpc.NewClient(owner.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	c.conns[owner.ID] = &cachedConn{conn: conn, address: owner.Address}
	return conn, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, cc := range c.conns {
		if err := cc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, id)
	}
	return firstErr
}

// requestID is exported via uuid so two calls for the same function
// never collide in logs or tracing.
func requestID() string {
	return uuid.New().String()
}
