package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ALLiDoizCode/m2m-sub003/pkg/utils"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// ConnectorConfig is the assembled runtime configuration of one node.
// pkg/config builds it from the YAML file and environment.
type ConnectorConfig struct {
	NodeID  string
	Address Address

	BTPServerPort   int
	HealthCheckPort int

	Peers  []PeerConfig
	Routes []Route

	Bookkeeping BookkeeperConfig
	// DataDir holds the balance store; empty keeps balances in memory only.
	DataDir string
	// EventLogPath, when set, persists telemetry events as JSON lines.
	EventLogPath string

	MinExpiryWindow time.Duration
	MaxHops         int
	MaxPending      int
	WriteQueue      int
	TelemetryBuffer int
	// ShutdownGrace bounds draining of in-flight forwards (default 5s).
	ShutdownGrace time.Duration

	// Executor performs physical settlement; nil installs the no-op one.
	Executor SettlementExecutor
}

// HealthStatus is the connector's coarse health.
type HealthStatus string

const (
	HealthStarting  HealthStatus = "STARTING"
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// -----------------------------------------------------------------------------
// ConnectorNode
// -----------------------------------------------------------------------------

// ConnectorNode owns the packet-forwarding plane: routing table, peer
// registry, packet handler, bookkeeper, threshold monitor and telemetry.
// Everything is constructed here and passed down; there is no process-wide
// mutable state.
type ConnectorNode struct {
	cfg ConnectorConfig
	log *logrus.Logger

	Table    *RoutingTable
	Registry *PeerRegistry
	Handler  *PacketHandler
	Books    *SettlementBookkeeper
	Monitor  *ThresholdMonitor
	Bus      *TelemetryBus
	Metrics  *ConnectorMetrics

	store *BalanceStore

	health   atomic.Value // HealthStatus
	inFlight sync.WaitGroup
	stopping atomic.Bool

	healthServer *http.Server
	healthLn     net.Listener

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewConnectorNode wires a node from config. Start opens sockets and begins
// forwarding.
func NewConnectorNode(cfg ConnectorConfig, lg *logrus.Logger) (*ConnectorNode, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id required")
	}
	if err := ValidateAddress(cfg.Address); err != nil {
		return nil, fmt.Errorf("node address: %w", err)
	}
	if cfg.BTPServerPort < 1 || cfg.BTPServerPort > 65535 {
		return nil, fmt.Errorf("btp server port %d out of range", cfg.BTPServerPort)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}

	n := &ConnectorNode{cfg: cfg, log: lg}
	n.health.Store(HealthStarting)

	n.Bus = NewTelemetryBus(cfg.TelemetryBuffer, lg)
	n.Metrics = NewConnectorMetrics(cfg.NodeID, func() float64 { return float64(n.Bus.Dropped()) })

	if cfg.EventLogPath != "" {
		sink, err := NewFileSink(cfg.EventLogPath, lg)
		if err != nil {
			n.Bus.Close()
			return nil, fmt.Errorf("event log: %w", err)
		}
		n.Bus.Attach(sink)
	}
	if url := utils.EnvOrDefault("DASHBOARD_TELEMETRY_URL", ""); url != "" {
		n.Bus.Attach(NewDashboardSink(url, lg))
	}

	if cfg.DataDir != "" {
		store, err := OpenBalanceStore(cfg.DataDir, 512, lg)
		if err != nil {
			n.Bus.Close()
			return nil, err
		}
		n.store = store
	}

	books, err := NewSettlementBookkeeper(cfg.Bookkeeping, n.store, n.Bus, lg)
	if err != nil {
		n.Bus.Close()
		return nil, err
	}
	n.Books = books

	executor := cfg.Executor
	if executor == nil {
		executor = NoopExecutor{Log: lg}
	}
	n.Monitor = NewThresholdMonitor(books, executor, n.Bus, n.Metrics, lg)

	n.Table = NewRoutingTable(lg)
	for _, r := range cfg.Routes {
		if err := n.Table.Add(r); err != nil {
			n.Bus.Close()
			return nil, fmt.Errorf("route %q: %w", r.Prefix, err)
		}
	}

	n.Registry = NewPeerRegistry(RegistryConfig{
		NodeID:      cfg.NodeID,
		ListenPort:  cfg.BTPServerPort,
		MaxPending:  cfg.MaxPending,
		WriteQueue:  cfg.WriteQueue,
		Logger:      lg,
		Bus:         n.Bus,
		OnPeerState: n.onPeerState,
	})

	n.Handler = NewPacketHandler(HandlerConfig{
		NodeID:          cfg.NodeID,
		NodeAddress:     cfg.Address,
		MinExpiryWindow: cfg.MinExpiryWindow,
		MaxHops:         cfg.MaxHops,
	}, n.Table, n.Registry, books, n.Bus, n.Metrics, lg)

	n.Registry.SetHandler(n.handleIncoming)
	n.Metrics.PeersConfigured.Set(float64(len(cfg.Peers)))
	return n, nil
}

// handleIncoming tracks in-flight forwards so Stop can drain them, and
// refuses new work once shutdown began.
func (n *ConnectorNode) handleIncoming(prepare *PreparePacket, sourcePeerID string) Packet {
	if n.stopping.Load() {
		return NewReject(CodeInternalError, n.cfg.Address, "")
	}
	n.inFlight.Add(1)
	defer n.inFlight.Done()
	defer n.Metrics.PendingRequests.Set(float64(n.Registry.PendingTotal()))
	return n.Handler.HandleIncoming(prepare, sourcePeerID)
}

// Start binds the BTP listener, dials static peers, and launches the
// threshold monitor and health endpoint. Static dial failures do not abort
// startup; transports reconnect on their own.
func (n *ConnectorNode) Start() error {
	var startErr error
	n.startOnce.Do(func() {
		if err := n.Registry.Listen(); err != nil {
			startErr = err
			return
		}
		for _, pc := range n.cfg.Peers {
			if err := n.Registry.AddStaticPeer(pc); err != nil {
				startErr = fmt.Errorf("peer %q: %w", pc.ID, err)
				return
			}
		}
		n.Monitor.Start()
		if n.cfg.HealthCheckPort > 0 {
			if err := n.startHealthServer(); err != nil {
				startErr = err
				return
			}
		}
		n.recomputeHealth()
		n.log.WithFields(logrus.Fields{
			"node":   n.cfg.NodeID,
			"port":   n.cfg.BTPServerPort,
			"peers":  len(n.cfg.Peers),
			"routes": n.Table.Len(),
		}).Info("connector started")
	})
	return startErr
}

// Stop shuts the node down: no new inbound work, in-flight forwards drained
// within the grace window, transports closed, balances flushed, resources
// released in reverse construction order.
func (n *ConnectorNode) Stop() {
	n.stopOnce.Do(func() {
		n.stopping.Store(true)
		n.log.Infof("connector %s stopping", n.cfg.NodeID)

		drained := make(chan struct{})
		go func() {
			n.inFlight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(n.cfg.ShutdownGrace):
			n.log.Warnf("shutdown grace of %s elapsed with forwards in flight", n.cfg.ShutdownGrace)
		}

		if n.healthServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = n.healthServer.Shutdown(ctx)
			cancel()
		}
		n.Registry.Close()
		n.Monitor.Stop()
		if err := n.Books.Flush(); err != nil {
			n.log.Errorf("flush balances: %v", err)
		}
		if n.store != nil {
			if err := n.store.Close(); err != nil {
				n.log.Errorf("close balance store: %v", err)
			}
		}
		n.Bus.Close()
		n.log.Infof("connector %s stopped", n.cfg.NodeID)
	})
}

// Health returns the current coarse status.
func (n *ConnectorNode) Health() HealthStatus {
	return n.health.Load().(HealthStatus)
}

func (n *ConnectorNode) onPeerState(peerID string, oldState, newState PeerState) {
	n.recomputeHealth()
}

// recomputeHealth applies the 50% rule: healthy standalone, healthy when at
// least half the configured peers are READY, unhealthy otherwise.
func (n *ConnectorNode) recomputeHealth() {
	ready, configured := n.Registry.Counts()
	n.Metrics.PeersReady.Set(float64(ready))

	next := HealthHealthy
	if configured > 0 && ready*2 < configured {
		next = HealthUnhealthy
	}
	prev := n.health.Swap(next).(HealthStatus)
	if prev != next {
		n.log.WithFields(logrus.Fields{
			"from":            prev,
			"to":              next,
			"peers_connected": ready,
			"total_peers":     configured,
		}).Info("health status changed")
		n.Bus.Publish(EventHealthStatus, HealthStatusEvent{
			Status:         string(next),
			PeersConnected: ready,
			TotalPeers:     configured,
		})
	}
}

// -----------------------------------------------------------------------------
// Health endpoint
// -----------------------------------------------------------------------------

func (n *ConnectorNode) startHealthServer() error {
	addr := fmt.Sprintf(":%d", n.cfg.HealthCheckPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind health listener on %s: %w", addr, err)
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", n.serveHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(n.Metrics.Registry, promhttp.HandlerOpts{}))

	n.healthLn = ln
	n.healthServer = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := n.healthServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.log.Errorf("health server: %v", err)
		}
	}()
	n.log.Infof("health endpoint on %s", addr)
	return nil
}

func (n *ConnectorNode) serveHealth(w http.ResponseWriter, _ *http.Request) {
	ready, configured := n.Registry.Counts()
	status := n.Health()
	w.Header().Set("Content-Type", "application/json")
	if status == HealthUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          status,
		"peers_connected": ready,
		"total_peers":     configured,
		"routes":          n.Table.Len(),
	})
}
