package rpc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/security"
	"github.com/mu-protocol/executor/pkg/types"
	"github.com/mu-protocol/executor/pkg/wire"
)

const executeFunctionMetricLabel = "ExecuteFunction"

// LocalExecutor runs one function invocation on this node. It is
// satisfied by pkg/runtime.Engine.
type LocalExecutor interface {
	Execute(ctx context.Context, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error)
}

// Server accepts Internal RPC ExecuteFunction calls from peers and
// runs them against a LocalExecutor. A node only ever serves functions
// it actually owns; the caller (pkg/gateway or another node's Internal
// RPC client) is responsible for resolving ownership before dialing.
type Server struct {
	grpcServer *grpc.Server
	logger     zerolog.Logger
}

// NewServer builds an mTLS-protected gRPC server bound to this node's
// identity keypair. peers supplies the trust store: any connection
// whose presented certificate doesn't match a known NodeId is rejected
// during the TLS handshake.
func NewServer(identity ed25519.PrivateKey, selfID types.NodeId, peers PeerKeyLookup, executor LocalExecutor) (*Server, error) {
	cert, err := security.SelfSignedCert(identity, selfID)
	if err != nil {
		return nil, fmt.Errorf("rpc: build server certificate: %w", err)
	}

	tlsConfig := buildTLSConfig(cert, peers, true)
	creds := credentials.NewTLS(tlsConfig)
	grpcServer := grpc.NewServer(grpc.Creds(creds))

	logger := log.WithComponent("rpc-server")
	RegisterExecutorServiceServer(grpcServer, &executorAdapter{executor: executor, logger: logger})

	return &Server{grpcServer: grpcServer, logger: logger}, nil
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("internal rpc server listening")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully drains in-flight calls before shutting down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

type executorAdapter struct {
	executor LocalExecutor
	logger   zerolog.Logger
}

// ExecuteFunction never returns a transport-level error for an
// application failure — it always carries the outcome in the response
// envelope's OK/ErrorKind fields, matching the Gateway's own
// classification of errors into fixed kinds.
func (a *executorAdapter) ExecuteFunction(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	timer := metrics.NewTimer()
	fnID := types.FunctionId{StackId: req.StackID, Name: req.Function}

	out, err := a.executor.Execute(ctx, fnID, types.FunctionRequest{
		Method:      req.Method,
		PathParams:  fromWireKVs(req.PathParams),
		QueryParams: fromWireKVs(req.QueryParams),
		Headers:     fromWireKVs(req.Headers),
		Body:        req.Body,
	})

	resp := &wire.Response{OK: err == nil, Body: out}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var rpcErr *types.RPCError
		if errors.As(err, &rpcErr) {
			resp.ErrorKind = uint32(rpcErr.Kind)
			resp.ErrorMsg = rpcErr.Message
		} else {
			resp.ErrorKind = uint32(types.ErrRuntimeFault)
			resp.ErrorMsg = err.Error()
		}
		a.logger.Warn().Str("stack_id", types.StackId(req.StackID).String()).Str("function", req.Function).Err(err).Msg("rpc execute failed")
	}

	metrics.RPCRequestsTotal.WithLabelValues(executeFunctionMetricLabel, outcome).Inc()
	timer.ObserveDurationVec(metrics.RPCRequestDuration, executeFunctionMetricLabel)
	return resp, nil
}
