// Package gateway is the external HTTP front door: it matches an
// inbound request's host/path/method against every Gateway route
// declared by every stack this node's chain client has observed (not
// just the ones it owns), resolves the owning node via the same
// assigner every other node uses, and forwards the call there — or
// executes it locally when this node is the owner.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mu-protocol/executor/pkg/assigner"
	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/types"
)

// DesiredSource is the subset of the lifecycle manager the gateway
// needs: every known stack's Gateway routes, regardless of ownership.
type DesiredSource interface {
	DesiredSpecs() []types.Stack
}

// MembershipView is the subset of membership.Table the gateway needs
// to resolve a stack's current owner and that owner's address.
type MembershipView interface {
	Snapshot() []types.NodeInfo
	Self() types.NodeInfo
}

// Executor dispatches one function call, either on this node or over
// Internal RPC to another. pkg/rpc's client implements the remote leg;
// pkg/runtime's Engine implements the local leg.
type Executor interface {
	ExecuteLocal(ctx context.Context, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error)
	ExecuteRemote(ctx context.Context, owner types.NodeInfo, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error)
}

// UsageRecorder feeds the usage aggregator. The gateway only ever
// meters its own two counters — never FunctionMBInstructions, which is
// billed once by the node that actually executed the call.
type UsageRecorder interface {
	RecordGatewayUsage(stackID types.StackId, requests, trafficBytes uint64)
}

// Config tunes how often the routing table is rebuilt from DesiredSpecs
// and the per-request limits the gateway enforces before dispatch.
type Config struct {
	RebuildInterval time.Duration
	// MaxBodyBytes caps the size of an inbound request body; a request
	// whose body exceeds this is rejected with 413 before dispatch.
	MaxBodyBytes int64
}

func (c Config) withDefaults() Config {
	if c.RebuildInterval == 0 {
		c.RebuildInterval = 2 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 4 << 20
	}
	return c
}

// Gateway serves external HTTP traffic for every Gateway route known
// in the region.
type Gateway struct {
	desired    DesiredSource
	membership MembershipView
	executor   Executor
	usage      UsageRecorder
	cfg        Config
	logger     zerolog.Logger

	mu    sync.RWMutex
	table *routeTable

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a Gateway. Call Start to begin rebuilding the routing
// table, and mount Handler() on an http.Server to actually serve.
func New(desired DesiredSource, membership MembershipView, executor Executor, usage UsageRecorder, cfg Config) *Gateway {
	return &Gateway{
		desired:    desired,
		membership: membership,
		executor:   executor,
		usage:      usage,
		cfg:        cfg.withDefaults(),
		logger:     log.WithComponent("gateway"),
		table:      buildRouteTable(nil),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start rebuilds the routing table on a ticker until ctx is canceled
// or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.rebuild()
	ticker := time.NewTicker(g.cfg.RebuildInterval)
	defer ticker.Stop()
	defer close(g.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.stopCh:
			return nil
		case <-ticker.C:
			g.rebuild()
		}
	}
}

// Stop ends the rebuild loop.
func (g *Gateway) Stop() {
	close(g.stopCh)
	<-g.stopped
}

func (g *Gateway) rebuild() {
	table := buildRouteTable(g.desired.DesiredSpecs())
	g.mu.Lock()
	g.table = table
	g.mu.Unlock()
}

func (g *Gateway) routeTable() *routeTable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.table
}

// Handler returns the http.Handler to mount on the external listener.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc("/*", g.serveHTTP)
	return r
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()

	fnID, pathParams, outcome := g.routeTable().match(r.Host, r.URL.Path, r.Method)
	switch outcome {
	case matchNone:
		g.respond(w, timer, http.StatusNotFound, "not_found", nil)
		return
	case matchMethodMismatch:
		g.respond(w, timer, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.respond(w, timer, http.StatusRequestEntityTooLarge, "too_large", nil)
			return
		}
		g.respond(w, timer, http.StatusBadRequest, "bad_request", nil)
		return
	}

	req := types.FunctionRequest{
		Method:      r.Method,
		PathParams:  pathParams,
		QueryParams: extractQueryParams(r),
		Headers:     extractHeaders(r),
		Body:        body,
	}

	resp, status, err := g.dispatch(r.Context(), fnID, req)
	if err != nil {
		g.logger.Warn().Str("stack_id", fnID.StackId.String()).Err(err).Msg("gateway dispatch failed")
	}

	if status == http.StatusOK {
		g.usage.RecordGatewayUsage(fnID.StackId, 1, uint64(len(body)+len(resp)))
	}
	g.respond(w, timer, status, statusLabel(status), resp)
}

// extractQueryParams flattens the URL query string into ordered KVs,
// sorted by key so the same request always produces the same envelope.
func extractQueryParams(r *http.Request) []types.KV {
	values := r.URL.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []types.KV
	for _, k := range keys {
		for _, v := range values[k] {
			out = append(out, types.KV{Key: k, Value: v})
		}
	}
	return out
}

// extractHeaders flattens the request headers into ordered KVs, sorted
// by key for the same reason extractQueryParams is.
func extractHeaders(r *http.Request) []types.KV {
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []types.KV
	for _, k := range keys {
		for _, v := range r.Header[k] {
			out = append(out, types.KV{Key: k, Value: v})
		}
	}
	return out
}

// dispatch resolves fnID's current owner and executes the call there,
// retrying once against a freshly-resolved owner if the first attempt
// fails — covering the case where the snapshot used for the first
// resolution was stale by the time the call actually went out. A
// second failure is surfaced via its own error kind's HTTP mapping
// rather than retried further.
func (g *Gateway) dispatch(ctx context.Context, fnID types.FunctionId, req types.FunctionRequest) ([]byte, int, error) {
	resp, err := g.tryDispatch(ctx, fnID, req)
	if err == nil {
		return resp, http.StatusOK, nil
	}
	resp, err2 := g.tryDispatch(ctx, fnID, req)
	if err2 == nil {
		return resp, http.StatusOK, nil
	}
	if rpcErr, ok := err2.(*types.RPCError); ok {
		return nil, rpcErr.Kind.HTTPStatus(), err2
	}
	return nil, http.StatusServiceUnavailable, err2
}

func (g *Gateway) tryDispatch(ctx context.Context, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error) {
	snapshot := g.membership.Snapshot()
	owner, ok := assigner.Owner(snapshot, fnID.StackId)
	if !ok {
		return nil, &types.RPCError{Kind: types.ErrEscrowExhausted, Message: "no alive node available to own this stack"}
	}

	self := g.membership.Self().ID
	if owner == self {
		return g.executor.ExecuteLocal(ctx, fnID, req)
	}

	ownerInfo, found := lookupNode(snapshot, owner)
	if !found {
		return nil, &types.RPCError{Kind: types.ErrNotOwner, Message: "resolved owner missing from membership snapshot"}
	}
	return g.executor.ExecuteRemote(ctx, ownerInfo, fnID, req)
}

func lookupNode(snapshot []types.NodeInfo, id types.NodeId) (types.NodeInfo, bool) {
	for _, n := range snapshot {
		if n.ID == id {
			return n, true
		}
	}
	return types.NodeInfo{}, false
}

func (g *Gateway) respond(w http.ResponseWriter, timer *metrics.Timer, status int, label string, body []byte) {
	metrics.GatewayRequestsTotal.WithLabelValues(label).Inc()
	timer.ObserveDurationVec(metrics.GatewayRequestDuration, label)
	w.WriteHeader(status)
	if body != nil {
		_, _ = w.Write(body)
	}
}

func statusLabel(status int) string {
	switch status {
	case http.StatusOK:
		return "ok"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusBadRequest:
		return "bad_request"
	default:
		return "error"
	}
}
