// Package app wires C1-C6 into a running node process. Grounded on
// internal/app/app.go's Run shape (fan the enabled services into
// goroutines, collect the first real error over a buffered channel,
// ignore context.Canceled), adapted here from the teacher's fixed
// role-service list to this repo's fixed component list, since every
// node runs the full stack rather than choosing a subset of roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"shroudmesh/pkg/channel"
	"shroudmesh/pkg/circuit"
	"shroudmesh/pkg/config"
	"shroudmesh/pkg/identity"
	"shroudmesh/pkg/monitor"
	"shroudmesh/pkg/peerlink"
	"shroudmesh/pkg/policy"
	"shroudmesh/pkg/registry"
	"shroudmesh/pkg/signaling"
	"shroudmesh/pkg/store"

	"github.com/redis/go-redis/v9"
)

// Node holds every wired component of one running participant.
type Node struct {
	Config   config.Config
	Identity *identity.NodeIdentity
	Adapter  *signaling.Adapter
	Registry *registry.Registry
	Table    *circuit.Table
	Builder  *circuit.Builder
	Log      *log.Logger

	mu      sync.Mutex
	handle  *monitor.Handle
	monitor *monitor.Monitor
	channel *channel.Channel
}

// New builds a Node from cfg: an identity, a signaling adapter dialing
// cfg.SignalingEndpoint, a policy engine (default or loaded from
// cfg.PolicyScriptPath), an optional Redis-backed peer cache, and the
// registry/circuit-builder pair sitting on top. dial resolves peer ids
// to peer links; the deployment's addressing scheme is external to this
// package (spec 1), so callers must supply it.
func New(cfg config.Config, dial circuit.Dialer, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Default()
	}

	id, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("generate node identity: %w", err)
	}

	transport := signaling.NewWireConn(cfg.SignalingEndpoint)
	adapter := signaling.New(transport, logger)

	policyEng := policy.NewEngine()
	if cfg.PolicyScriptPath != "" {
		loaded, err := loadPolicyScript(cfg.PolicyScriptPath)
		if err != nil {
			return nil, fmt.Errorf("load policy script: %w", err)
		}
		policyEng, err = policy.NewEngineFromScript(loaded)
		if err != nil {
			return nil, fmt.Errorf("compile policy script: %w", err)
		}
	}

	var cache *store.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cache = store.New(client, cfg.RedisNamespace, registry.StalenessWindow)
	}

	reg := registry.New(id, adapter, policyEng, cache, cfg.RoleHint, logger)

	if dial == nil {
		dial = func(ctx context.Context, peerID string) (peerlink.Transport, peerlink.ForwardTarget, error) {
			return nil, peerlink.ForwardTarget{}, errors.New("app: no peer-link dialer configured")
		}
	}
	builder := circuit.NewBuilder(id, reg, adapter, dial, logger)
	table := circuit.NewTable()

	return &Node{
		Config:   cfg,
		Identity: id,
		Adapter:  adapter,
		Registry: reg,
		Table:    table,
		Builder:  builder,
		Log:      logger,
	}, nil
}

// Run drives the signaling adapter and the registry's announcement loop
// until ctx is cancelled, or one of them fails for a reason other than
// cancellation.
func (n *Node) Run(ctx context.Context) error {
	runners := []func(context.Context) error{
		n.Adapter.Run,
		n.Registry.Run,
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}

	for i := 0; i < len(runners); i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("node stopped: %w", err)
		}
	}
	n.Log.Printf("node stopped")
	return nil
}

// OpenCircuit builds a fresh n-hop circuit (C4), registers it in the
// node's table, and hands it to a monitor (C5) so it self-repairs, then
// wraps it in a Channel (C6) and connects. The returned channel is Open
// iff the initial build succeeded; the monitor's tick loop runs in its
// own goroutine until ctx is cancelled.
func (n *Node) OpenCircuit(ctx context.Context, hops int) (*channel.Channel, error) {
	c, err := n.Builder.Build(ctx, hops, nil)
	if err != nil {
		return nil, fmt.Errorf("open circuit: %w", err)
	}
	n.Table.Put(c)

	handle := monitor.NewHandle(c)
	mon := monitor.New(handle, n.Builder, n.Table, n.Registry, monitor.DefaultInterval, n.Log)
	mon.Subscribe(func(status monitor.Status, details monitor.Details) {
		n.Log.Printf("circuit status change circuit_id=%v status=%v healthy=%d/%d", details.CircuitID, status, details.HealthyHops, details.TotalHops)
	})

	ch := channel.New(handle)

	n.mu.Lock()
	n.handle = handle
	n.monitor = mon
	n.channel = ch
	n.mu.Unlock()

	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.Log.Printf("circuit monitor stopped err=%v", err)
		}
	}()

	if err := ch.Connect(ctx); err != nil {
		return ch, fmt.Errorf("connect channel: %w", err)
	}
	return ch, nil
}
