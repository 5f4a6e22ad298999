// Command replnode runs a single node of the replicated commit engine:
// it loads cluster configuration, opens the peer socket listener and
// outbound connectors, and drives the election and commit coordinator
// state machines until terminated.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"

	"replicore/internal/bridge"
	"replicore/internal/cluster"
	"replicore/internal/config"
	"replicore/internal/coordinator"
	"replicore/internal/election"
	"replicore/internal/metrics"
	"replicore/internal/node"
	"replicore/internal/peerlink"
	"replicore/internal/recovery"
	"replicore/internal/registry"
	"replicore/internal/wal"
)

var logger = logging.MustGetLogger("replnode")

func setupLogging() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	logging.SetBackend(logging.NewBackendFormatter(backend, formatter))
}

func run() error {
	setupLogging()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	clusterCfg, err := cfg.ClusterConfig()
	if err != nil {
		return errors.Wrap(err, "replnode: cluster configuration")
	}
	state := cluster.NewState(clusterCfg)

	stats, err := metrics.New(cfg.StatsdAddr, "replnode")
	if err != nil {
		return errors.Wrap(err, "replnode: metrics")
	}

	walStore := wal.NewMemory()
	state.SeedGSN(walStore.HighestGSN())

	reg, coord := wireCoordinator(state, walStore, cfg.OperationTimeoutDuration(), stats)

	br := bridge.New()
	coord.SetBridge(br)
	go runReplExecLoop(br, walStore)
	defer br.Shutdown()

	rec := recovery.New(state, walStore, func(host cluster.HostID) {
		logger.Errorf("tearing down diverged link to peer %d", host)
		state.Peers[host].SetConnected(cluster.Down)
	}, stats)
	coord.SetRecovery(rec)

	elect := election.New(state, cfg.ElectionTimeoutDuration(), rec.TriggerFor, func() {
		logger.Warningf("leader lost, awaiting re-election")
	}, stats)

	router := &node.Router{Election: elect, Coordinator: coord}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeouts := cfg.Timeouts()
	local, _ := clusterCfg.Descriptor(clusterCfg.LocalID)

	ln, err := net.Listen("tcp", local.Addr)
	if err != nil {
		return errors.Wrap(err, "replnode: listen")
	}
	listener := peerlink.NewListener(state, timeouts, router)
	go func() {
		if err := listener.Serve(ctx, ln); err != nil {
			logger.Errorf("peer listener stopped: %v", err)
		}
	}()

	for _, p := range clusterCfg.Peers {
		if p.Local {
			continue
		}
		peerState := state.Peers[p.HostID]
		link := peerlink.NewLink(clusterCfg.LocalID, peerState, p.Addr, timeouts, router)
		go link.RunOutbound(ctx, state.LocalGSN, walStore.LastCRC)
	}

	go elect.Run(ctx)

	go runExecLoop(br, state, coord, walStore, cfg.Enable)

	logger.Noticef("replnode %d listening on %s", clusterCfg.LocalID, local.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Noticef("shutting down")
	cancel()
	reg.Shutdown()
	return nil
}

// runExecLoop is thread A's entry point (spec.md §5): it owns the local
// WAL writer handle and drains db_to_repl, handing each write to the
// commit coordinator (or, when replication is disabled, straight to the
// WAL) and resuming the caller through the embedded Done channel.
func runExecLoop(br *bridge.Bridge, state *cluster.State, coord *coordinator.Coordinator, walStore *wal.Memory, enabled bool) {
	for {
		item, ok := br.DBToRepl.PopWait()
		if !ok {
			return
		}
		write := item.(bridge.ClientWrite)
		logger.Debugf("dequeued client write %s conflict_key=%q", write.ID, write.ConflictKey)

		var result bridge.Result
		if enabled {
			r := coord.SubmitLocal(write.Body, write.ConflictKey)
			result = bridge.Result{Committed: r.Committed, Kind: string(r.Kind)}
		} else if _, err := walStore.Write(wal.Row{GSN: state.NextGSN(), Body: write.Body}); err != nil {
			result = bridge.Result{Committed: false, Kind: "io_error"}
		} else {
			result = bridge.Result{Committed: true}
		}
		write.Done <- result
	}
}

// runReplExecLoop is the repl -> db direction's thread A counterpart
// (spec.md §4.8, §5): it owns the same WAL writer handle as
// runExecLoop and drains repl_to_db, so a proxied or replicated row's
// execute-then-wal-write always happens off the peer link's inbound
// goroutine that received it.
func runReplExecLoop(br *bridge.Bridge, walStore *wal.Memory) {
	for {
		item, ok := br.ReplToDB.PopWait()
		if !ok {
			return
		}
		req := item.(bridge.ExecRequest)
		err := walStore.Execute(req.Body)
		if err == nil {
			err = walStore.WriteAt(wal.Row{GSN: req.GSN, Body: req.Body, CRC: req.CRC})
		}
		req.Reply <- bridge.ExecResult{LSN: req.LSN, Err: err}
	}
}

// wireCoordinator resolves the registry/coordinator construction cycle:
// the registry needs a timeout callback that calls into the coordinator,
// and the coordinator needs the registry it will call back through.
func wireCoordinator(state *cluster.State, walStore *wal.Memory, opTimeout time.Duration, stats statsd.Statter) (*registry.Registry, *coordinator.Coordinator) {
	var coord *coordinator.Coordinator
	reg := registry.New(state.Config.NumHosts(), opTimeout, func(op *registry.Operation) {
		coord.OnOperationTimeout(op)
	}, stats)
	coord = coordinator.New(state, reg, walStore, walStore, walStore.LastCRC(), stats)
	return reg, coord
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
