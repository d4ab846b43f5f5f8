package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mu-protocol/executor/pkg/aggregator"
	"github.com/mu-protocol/executor/pkg/chainmon"
	"github.com/mu-protocol/executor/pkg/clock"
	"github.com/mu-protocol/executor/pkg/config"
	"github.com/mu-protocol/executor/pkg/gateway"
	"github.com/mu-protocol/executor/pkg/kv"
	"github.com/mu-protocol/executor/pkg/lifecycle"
	"github.com/mu-protocol/executor/pkg/localchain"
	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/membership"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/rpc"
	"github.com/mu-protocol/executor/pkg/runtime"
	"github.com/mu-protocol/executor/pkg/security"
	"github.com/mu-protocol/executor/pkg/supervisor"
	"github.com/mu-protocol/executor/pkg/types"
)

// Exit codes, fixed by the boundary the node's operator scripts key
// off of: 0 clean shutdown, 1 configuration error, 2 fatal
// initialization (identity/KV unreachable), 3 supervisor failure.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitInitFailure   = 2
	exitSupervisorErr = 3
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigError)
	}
}

var rootCmd = &cobra.Command{
	Use:     "executor",
	Short:   "Mu executor node",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("config", "", "path to a YAML config file")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this process as a Mu executor node",
	RunE: func(cmd *cobra.Command, args []string) error {
		runNode(cmd)
		return nil
	},
}

// runNode owns the process's exit code directly rather than returning
// an error to cobra: the configuration-error/init-failure/supervisor-
// failure distinction doesn't fit cobra's single non-zero exit status.
func runNode(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfigError)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("executor")

	priv, nodeID, err := security.LoadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load or create node identity")
		os.Exit(exitInitFailure)
	}

	store, err := kv.NewBoltStore(cfg.KV.Path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open shared KV store")
		os.Exit(exitInitFailure)
	}
	defer store.Close()

	generation, err := clock.NextGeneration(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to advance node generation")
		os.Exit(exitInitFailure)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("membership", false, "initializing")
	metrics.RegisterComponent("runtime", false, "initializing")
	metrics.RegisterComponent("gateway", false, "initializing")

	self := types.NodeInfo{
		ID:         nodeID,
		Generation: generation,
		Address:    cfg.AdvertiseAddress,
		PublicKey:  []byte(priv.Public().(ed25519.PublicKey)),
		Status:     types.NodeJoining,
	}

	members := membership.New(store, self, membership.Config{
		UpdateInterval:  cfg.Membership.UpdateInterval,
		SuspectTimeout:  cfg.Membership.SuspectTimeout,
		AssumeDeadAfter: cfg.Membership.AssumeDeadAfter,
	})
	metrics.RegisterComponent("membership", true, "ready")

	chainClient := localchain.New()
	signer := func(payload []byte) []byte { return ed25519.Sign(priv, payload) }
	monitor := chainmon.New(chainClient, signer, chainmon.Config{
		Region:       cfg.Region,
		StartSlot:    cfg.Chain.StartSlot,
		PollInterval: cfg.Chain.PollInterval,
	})

	engine, err := runtime.New(runtime.Config{})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start the function runtime")
		os.Exit(exitInitFailure)
	}
	metrics.RegisterComponent("runtime", true, "ready")

	lifecycleMgr := lifecycle.New(members, monitor, engine, store, lifecycle.Config{})
	monitor.OnStackEvent(lifecycleMgr.HandleStackEvent)
	monitor.OnMinEscrow(lifecycleMgr.HandleMinEscrow)

	rpcServer, err := rpc.NewServer(priv, nodeID, members, engine)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build the internal RPC server")
		os.Exit(exitInitFailure)
	}
	rpcClient := rpc.NewClient(priv, nodeID, members)
	defer rpcClient.Close()

	usage := aggregator.New(monitor, store, aggregator.Config{Region: cfg.Region})
	engine.SetUsageRecorder(usage)

	executor := &localRemoteExecutor{engine: engine, client: rpcClient}
	gw := gateway.New(lifecycleMgr, members, executor, usage, gateway.Config{})
	metrics.RegisterComponent("gateway", true, "ready")

	rpcListener, err := newListener(cfg.RPC.ListenAddress)
	if err != nil {
		logger.Error().Err(err).Msg("failed to bind the internal RPC listener")
		os.Exit(exitInitFailure)
	}

	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: metricsMux()}
	gatewayServer := &http.Server{Addr: cfg.Gateway.ListenAddress, Handler: gw.Handler()}

	sup := supervisor.New(supervisor.Config{ShutdownGrace: 30 * time.Second})
	sup.Register(supervisor.NewComponent("membership", members.Start))
	sup.Register(supervisor.NewComponent("chainmon", monitor.Run))
	sup.Register(supervisor.NewComponent("lifecycle", lifecycleMgr.Start))
	sup.Register(supervisor.NewComponent("aggregator", usage.Start))
	sup.Register(supervisor.NewComponent("gateway", gw.Start))
	sup.Register(supervisor.NewComponent("rpc-server", func(ctx context.Context) error {
		return runUntilCanceled(ctx, func() error { return rpcServer.Serve(rpcListener) }, rpcServer.Stop)
	}))
	sup.Register(supervisor.NewComponent("gateway-http", func(ctx context.Context) error {
		return runUntilCanceled(ctx, func() error { return gatewayServer.ListenAndServe() }, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = gatewayServer.Shutdown(shutdownCtx)
		})
	}))
	sup.Register(supervisor.NewComponent("metrics-http", func(ctx context.Context) error {
		return runUntilCanceled(ctx, func() error { return metricsServer.ListenAndServe() }, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().
		Str("node_id", nodeID.String()).
		Str("region", cfg.Region).
		Str("gateway_address", cfg.Gateway.ListenAddress).
		Str("rpc_address", cfg.RPC.ListenAddress).
		Msg("executor node starting")

	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor failure")
		os.Exit(exitSupervisorErr)
	}

	logger.Info().Msg("shutdown complete")
	os.Exit(exitOK)
}

// localRemoteExecutor adapts the function runtime's local execution
// and the internal RPC client's remote call into the single Executor
// interface gateway.Gateway depends on.
type localRemoteExecutor struct {
	engine *runtime.Engine
	client *rpc.Client
}

func (e *localRemoteExecutor) ExecuteLocal(ctx context.Context, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error) {
	return e.engine.Execute(ctx, fnID, req)
}

func (e *localRemoteExecutor) ExecuteRemote(ctx context.Context, owner types.NodeInfo, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error) {
	return e.client.Call(ctx, owner, fnID, req)
}

// runUntilCanceled runs serve in the background and calls stop once ctx
// is canceled, returning nil for the resulting "server closed" error
// that stop triggers. http.Server and grpc.Server both follow this
// shape: Serve/ListenAndServe block until Stop/Shutdown is called from
// elsewhere, at which point they return a harmless closed-listener
// error instead of propagating the shutdown as a failure.
func runUntilCanceled(ctx context.Context, serve func() error, stop func()) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	select {
	case <-ctx.Done():
		stop()
		<-errCh
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return types.Transient(err)
	}
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	return mux
}
