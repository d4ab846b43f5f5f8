package gateway

import (
	"strings"

	"github.com/mu-protocol/executor/pkg/types"
)

// route is one routable entry: a stack's function reachable at a host
// and path pattern, the same shape as each stack's GatewayRoute but
// carrying the owning StackId alongside it since the route table is
// flattened across every stack in the region.
type route struct {
	stackID types.StackId
	fn      string
	host    string
	path    string
	pathTyp types.PathType
	method  string
}

// routeTable is the flattened, matchable view of every Gateway route
// across every stack this node's chain client has observed, rebuilt
// on the gateway's own RebuildInterval ticker from DesiredSpecs. Matching logic (host
// wildcard, longest-prefix path, method) is the same shape as an
// ingress router matching host/path rules to a backend.
type routeTable struct {
	routes []route
}

func buildRouteTable(stacks []types.Stack) *routeTable {
	var routes []route
	for _, s := range stacks {
		if s.Spec == nil {
			continue
		}
		for _, fn := range s.Spec.Functions {
			for _, gw := range fn.Gateway {
				routes = append(routes, route{
					stackID: s.ID,
					fn:      fn.Name,
					host:    gw.Host,
					path:    gw.PathPrefix,
					pathTyp: gw.PathType,
					method:  gw.Method,
				})
			}
		}
	}
	return &routeTable{routes: routes}
}

// matchOutcome distinguishes "no route at all" from "a route exists
// for this host/path but not this method", so callers can tell a 404
// from a 405.
type matchOutcome int

const (
	matchNone matchOutcome = iota
	matchMethodMismatch
	matchOK
)

// match finds the longest-path-matching route for host/path/method. If
// a route matches host and path but not method, it reports
// matchMethodMismatch instead of matchNone, and never matchOK — a 405,
// not a 404. The returned path params are the unmatched suffix of a
// prefix-matched path under the key "path"; exact-match routes never
// produce params, since nothing is left unmatched.
func (rt *routeTable) match(host, path, method string) (types.FunctionId, []types.KV, matchOutcome) {
	var (
		best       route
		bestLen    int
		found      bool
		anyPathHit bool
	)
	for _, r := range rt.routes {
		if !matchHost(r.host, host) {
			continue
		}
		if !matchPath(r.path, r.pathTyp, path) {
			continue
		}
		anyPathHit = true
		if r.method != "" && !strings.EqualFold(r.method, method) {
			continue
		}
		if len(r.path) > bestLen || !found {
			best, bestLen, found = r, len(r.path), true
		}
	}
	if !found {
		if anyPathHit {
			return types.FunctionId{}, nil, matchMethodMismatch
		}
		return types.FunctionId{}, nil, matchNone
	}
	return types.FunctionId{StackId: best.stackID, Name: best.fn}, pathParams(best, path), matchOK
}

// pathParams exposes the unmatched suffix of a prefix-matched path as
// a single {"path": suffix} pair. There is no named-segment templating
// engine here, only prefix/exact route matching, so this narrow
// "everything after the prefix" convention is the only path parameter
// a route can meaningfully expose.
func pathParams(r route, requestPath string) []types.KV {
	if r.pathTyp != types.PathPrefixMatch {
		return nil
	}
	suffix := strings.TrimPrefix(requestPath, r.path)
	suffix = strings.TrimPrefix(suffix, "/")
	if suffix == "" {
		return nil
	}
	return []types.KV{{Key: "path", Value: suffix}}
}

func matchHost(pattern, host string) bool {
	if pattern == "" {
		return true
	}
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	if pattern == host {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

func matchPath(pattern string, typ types.PathType, requestPath string) bool {
	switch typ {
	case types.PathExactMatch:
		return pattern == requestPath
	default: // PathPrefixMatch
		if pattern == "" || pattern == "/" {
			return true
		}
		if !strings.HasPrefix(requestPath, pattern) {
			return false
		}
		if len(requestPath) == len(pattern) {
			return true
		}
		if pattern[len(pattern)-1] == '/' {
			return true
		}
		return requestPath[len(pattern)] == '/'
	}
}
