package rpc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-protocol/executor/pkg/types"
)

type fakeMembers struct {
	nodes []types.NodeInfo
}

func (f *fakeMembers) Snapshot() []types.NodeInfo { return f.nodes }

type fakeLocalExecutor struct {
	response []byte
	err      error
}

func (f *fakeLocalExecutor) Execute(ctx context.Context, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func genIdentity(t *testing.T) (ed25519.PrivateKey, types.NodeId) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var id types.NodeId
	copy(id[:], pub)
	return priv, id
}

func TestClientServerRoundTrip(t *testing.T) {
	serverKey, serverID := genIdentity(t)
	clientKey, clientID := genIdentity(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	members := &fakeMembers{nodes: []types.NodeInfo{
		{ID: serverID, Address: lis.Addr().String()},
		{ID: clientID, Address: "unused"},
	}}

	executor := &fakeLocalExecutor{response: []byte("hello")}
	server, err := NewServer(serverKey, serverID, members, executor)
	require.NoError(t, err)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	client := NewClient(clientKey, clientID, members)
	defer client.Close()

	owner := types.NodeInfo{ID: serverID, Address: lis.Addr().String()}
	fnID := types.FunctionId{Name: "handler"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, owner, fnID, types.FunctionRequest{Body: []byte("req")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp)
}

func TestClientServerRoundTripSurfacesApplicationError(t *testing.T) {
	serverKey, serverID := genIdentity(t)
	clientKey, clientID := genIdentity(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	members := &fakeMembers{nodes: []types.NodeInfo{
		{ID: serverID, Address: lis.Addr().String()},
		{ID: clientID, Address: "unused"},
	}}

	executor := &fakeLocalExecutor{err: &types.RPCError{Kind: types.ErrUnknownFunction, Message: "no such function"}}
	server, err := NewServer(serverKey, serverID, members, executor)
	require.NoError(t, err)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	client := NewClient(clientKey, clientID, members)
	defer client.Close()

	owner := types.NodeInfo{ID: serverID, Address: lis.Addr().String()}
	fnID := types.FunctionId{Name: "missing"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Call(ctx, owner, fnID, types.FunctionRequest{Body: []byte("req")})
	require.Error(t, err)
	var rpcErr *types.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, types.ErrUnknownFunction, rpcErr.Kind)
}

func TestClientRejectsUntrustedServer(t *testing.T) {
	serverKey, serverID := genIdentity(t)
	clientKey, clientID := genIdentity(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	// The client's membership view never lists serverID, so the
	// handshake's VerifyPeerCertificate callback must reject it.
	clientMembers := &fakeMembers{nodes: []types.NodeInfo{
		{ID: clientID, Address: "unused"},
	}}
	serverMembers := &fakeMembers{nodes: []types.NodeInfo{
		{ID: serverID, Address: lis.Addr().String()},
		{ID: clientID, Address: "unused"},
	}}

	executor := &fakeLocalExecutor{response: []byte("hello")}
	server, err := NewServer(serverKey, serverID, serverMembers, executor)
	require.NoError(t, err)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	client := NewClient(clientKey, clientID, clientMembers)
	defer client.Close()

	owner := types.NodeInfo{ID: serverID, Address: lis.Addr().String()}
	fnID := types.FunctionId{Name: "handler"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Call(ctx, owner, fnID, types.FunctionRequest{Body: []byte("req")})
	require.Error(t, err)
}
