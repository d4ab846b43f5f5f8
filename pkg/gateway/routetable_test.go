package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mu-protocol/executor/pkg/types"
)

func stackWithRoutes(idByte byte, routes ...types.GatewayRoute) types.Stack {
	var id types.StackId
	id[0] = idByte
	return types.Stack{
		ID: id,
		Spec: &types.StackSpec{
			Functions: []types.FunctionSpec{
				{Name: "handler", Gateway: routes},
			},
		},
	}
}

func TestMatchExactHostAndPrefixPath(t *testing.T) {
	stack := stackWithRoutes(1, types.GatewayRoute{
		Host:       "api.example.com",
		PathPrefix: "/v1",
		PathType:   types.PathPrefixMatch,
		Function:   "handler",
	})
	table := buildRouteTable([]types.Stack{stack})

	fnID, _, outcome := table.match("api.example.com", "/v1/widgets", "GET")
	assert.Equal(t, matchOK, outcome)
	assert.Equal(t, "handler", fnID.Name)
	assert.Equal(t, stack.ID, fnID.StackId)

	_, _, outcome = table.match("other.example.com", "/v1/widgets", "GET")
	assert.Equal(t, matchNone, outcome)
}

func TestMatchWildcardHost(t *testing.T) {
	stack := stackWithRoutes(2, types.GatewayRoute{
		Host:       "*.example.com",
		PathPrefix: "/",
		PathType:   types.PathPrefixMatch,
		Function:   "handler",
	})
	table := buildRouteTable([]types.Stack{stack})

	_, _, outcome := table.match("tenant-a.example.com", "/anything", "GET")
	assert.Equal(t, matchOK, outcome)

	_, _, outcome = table.match("example.com", "/anything", "GET")
	assert.Equal(t, matchNone, outcome, "bare apex should not match a *.example.com wildcard")
}

func TestMatchExactPathRequiresFullMatch(t *testing.T) {
	stack := stackWithRoutes(3, types.GatewayRoute{
		PathPrefix: "/health",
		PathType:   types.PathExactMatch,
		Function:   "handler",
	})
	table := buildRouteTable([]types.Stack{stack})

	_, _, outcome := table.match("any.host", "/health", "GET")
	assert.Equal(t, matchOK, outcome)

	_, _, outcome = table.match("any.host", "/health/extra", "GET")
	assert.Equal(t, matchNone, outcome)
}

func TestMatchMethodFilter(t *testing.T) {
	stack := stackWithRoutes(4, types.GatewayRoute{
		PathPrefix: "/submit",
		PathType:   types.PathPrefixMatch,
		Method:     "POST",
		Function:   "handler",
	})
	table := buildRouteTable([]types.Stack{stack})

	_, _, outcome := table.match("any.host", "/submit", "GET")
	assert.Equal(t, matchMethodMismatch, outcome, "a path that matches but the wrong method is a 405, not a 404")

	_, _, outcome = table.match("any.host", "/submit", "POST")
	assert.Equal(t, matchOK, outcome)
}

func TestMatchLongestPathWins(t *testing.T) {
	stackA := stackWithRoutes(5, types.GatewayRoute{
		PathPrefix: "/",
		PathType:   types.PathPrefixMatch,
		Function:   "catch-all",
	})
	stackB := stackWithRoutes(6, types.GatewayRoute{
		PathPrefix: "/v1/special",
		PathType:   types.PathPrefixMatch,
		Function:   "specific",
	})
	table := buildRouteTable([]types.Stack{stackA, stackB})

	fnID, _, outcome := table.match("any.host", "/v1/special/thing", "GET")
	assert.Equal(t, matchOK, outcome)
	assert.Equal(t, "specific", fnID.Name)
}

func TestMatchNoStacksReturnsNotFound(t *testing.T) {
	table := buildRouteTable(nil)
	_, _, outcome := table.match("any.host", "/", "GET")
	assert.Equal(t, matchNone, outcome)
}

func TestBuildRouteTableSkipsStacksWithoutSpec(t *testing.T) {
	var id types.StackId
	id[0] = 7
	stack := types.Stack{ID: id, Spec: nil}
	table := buildRouteTable([]types.Stack{stack})
	assert.Empty(t, table.routes)
}

func TestMatchPrefixRouteExposesUnmatchedSuffixAsPathParam(t *testing.T) {
	stack := stackWithRoutes(8, types.GatewayRoute{
		PathPrefix: "/v1/widgets",
		PathType:   types.PathPrefixMatch,
		Function:   "handler",
	})
	table := buildRouteTable([]types.Stack{stack})

	_, params, outcome := table.match("any.host", "/v1/widgets/42", "GET")
	assert.Equal(t, matchOK, outcome)
	assert.Equal(t, []types.KV{{Key: "path", Value: "42"}}, params)

	_, params, outcome = table.match("any.host", "/v1/widgets", "GET")
	assert.Equal(t, matchOK, outcome)
	assert.Empty(t, params)
}

func TestMatchExactRouteNeverProducesPathParams(t *testing.T) {
	stack := stackWithRoutes(9, types.GatewayRoute{
		PathPrefix: "/health",
		PathType:   types.PathExactMatch,
		Function:   "handler",
	})
	table := buildRouteTable([]types.Stack{stack})

	_, params, outcome := table.match("any.host", "/health", "GET")
	assert.Equal(t, matchOK, outcome)
	assert.Empty(t, params)
}
