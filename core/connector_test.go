package core

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func quietLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

// startNode builds and starts a connector, registering cleanup.
func startNode(t *testing.T, cfg ConnectorConfig) *ConnectorNode {
	t.Helper()
	node, err := NewConnectorNode(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(node.Stop)
	return node
}

func TestConnectorEndToEndForward(t *testing.T) {
	// Three parties: a raw client A, connector B with a 0.1% fee, and
	// connector C delivering locally. A -> B -> C and back.
	const interPeerSecret = "tok-b-to-c"
	const clientSecret = "tok-a-to-b"
	t.Setenv("BTP_PEER_B_SECRET", interPeerSecret)
	t.Setenv("BTP_PEER_A_SECRET", clientSecret)

	preimage := []byte("the preimage of the condition...")
	portB, portC := freePort(t), freePort(t)

	nodeC := startNode(t, ConnectorConfig{
		NodeID:        "c",
		Address:       "g.c",
		BTPServerPort: portC,
		Routes:        []Route{{Prefix: "g.c", NextHop: "c"}},
	})
	nodeC.Handler.SetLocalHandler(func(prepare *PreparePacket, source string) Packet {
		return fulfillFor(preimage)
	})

	nodeB := startNode(t, ConnectorConfig{
		NodeID:        "b",
		Address:       "g.b",
		BTPServerPort: portB,
		Peers: []PeerConfig{{
			ID:        "c",
			URL:       fmt.Sprintf("ws://127.0.0.1:%d", portC),
			AuthToken: interPeerSecret,
		}},
		Routes:      []Route{{Prefix: "g.c", NextHop: "c"}},
		Bookkeeping: BookkeeperConfig{FeeBasisPoints: 10},
	})
	waitFor(t, func() bool { ready, _ := nodeB.Registry.Counts(); return ready == 1 },
		"b never connected to c")

	client := dialReady(t, fmt.Sprintf("ws://127.0.0.1:%d", portB), "b", "a", clientSecret)

	prepare, cond := preparedPacket(1000, "g.c.receiver", preimage)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.SendPacket(ctx, prepare)
	require.NoError(t, err)
	fulfill, ok := result.(*FulfillPacket)
	require.True(t, ok, "got %T: %+v", result, result)
	require.True(t, fulfill.Matches(cond))

	// B's books: A owes 1000, B owes C 999 after the 0.1% fee.
	require.Equal(t, int64(1000), nodeB.Books.Balance("a", DefaultTokenID).Credit.Int64())
	require.Equal(t, int64(999), nodeB.Books.Balance("c", DefaultTokenID).Debit.Int64())
}

func TestConnectorRejectsUnroutedDestination(t *testing.T) {
	t.Setenv("BTP_PEER_A_SECRET", "tok")
	port := freePort(t)
	node := startNode(t, ConnectorConfig{
		NodeID:        "b",
		Address:       "g.b",
		BTPServerPort: port,
		Routes:        []Route{{Prefix: "g.c", NextHop: "c"}},
	})
	_ = node

	client := dialReady(t, fmt.Sprintf("ws://127.0.0.1:%d", port), "b", "a", "tok")
	prepare, _ := preparedPacket(10, "g.unknown.x", []byte("x"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.SendPacket(ctx, prepare)
	require.NoError(t, err)
	reject, ok := result.(*RejectPacket)
	require.True(t, ok, "got %T", result)
	require.Equal(t, CodeUnreachable, reject.Code)
	require.Equal(t, Address("g.b"), reject.TriggeredBy)
}

func TestConnectorRouteToAbsentPeer(t *testing.T) {
	// A route whose next hop never connected: T01 until the peer dials in.
	t.Setenv("BTP_PEER_A_SECRET", "tok")
	port := freePort(t)
	startNode(t, ConnectorConfig{
		NodeID:        "b",
		Address:       "g.b",
		BTPServerPort: port,
		Routes:        []Route{{Prefix: "g.c", NextHop: "dynamic-peer"}},
	})

	client := dialReady(t, fmt.Sprintf("ws://127.0.0.1:%d", port), "b", "a", "tok")
	prepare, _ := preparedPacket(10, "g.c.receiver", []byte("x"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.SendPacket(ctx, prepare)
	require.NoError(t, err)
	reject, ok := result.(*RejectPacket)
	require.True(t, ok, "got %T", result)
	require.Equal(t, CodePeerUnreachable, reject.Code)
}

func TestConnectorHealthTracksPeers(t *testing.T) {
	const secret = "tok"
	t.Setenv("BTP_PEER_B_SECRET", secret)
	portB, portC := freePort(t), freePort(t)

	nodeB := startNode(t, ConnectorConfig{
		NodeID:        "b",
		Address:       "g.b",
		BTPServerPort: portB,
		Peers: []PeerConfig{{
			ID:        "c",
			URL:       fmt.Sprintf("ws://127.0.0.1:%d", portC),
			AuthToken: secret,
		}},
	})
	// The only configured peer is down.
	waitFor(t, func() bool { return nodeB.Health() == HealthUnhealthy }, "not UNHEALTHY while peer down")

	nodeC := startNode(t, ConnectorConfig{
		NodeID:        "c",
		Address:       "g.c",
		BTPServerPort: portC,
	})
	_ = nodeC
	waitFor(t, func() bool { return nodeB.Health() == HealthHealthy }, "not HEALTHY after peer came up")
}

func TestConnectorStandaloneIsHealthy(t *testing.T) {
	node := startNode(t, ConnectorConfig{
		NodeID:        "solo",
		Address:       "g.solo",
		BTPServerPort: freePort(t),
	})
	require.Equal(t, HealthHealthy, node.Health())
}

func TestConnectorHealthEndpoint(t *testing.T) {
	healthPort := freePort(t)
	startNode(t, ConnectorConfig{
		NodeID:          "solo",
		Address:         "g.solo",
		BTPServerPort:   freePort(t),
		HealthCheckPort: healthPort,
	})
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", healthPort))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", healthPort))
	require.NoError(t, err)
	defer metrics.Body.Close()
	require.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestConnectorStopReleasesEverything(t *testing.T) {
	t.Setenv("BTP_PEER_A_SECRET", "tok")
	port := freePort(t)
	node, err := NewConnectorNode(ConnectorConfig{
		NodeID:        "b",
		Address:       "g.b",
		BTPServerPort: port,
		DataDir:       t.TempDir(),
		ShutdownGrace: time.Second,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, node.Start())

	client := dialReady(t, fmt.Sprintf("ws://127.0.0.1:%d", port), "b", "a", "tok")
	node.Stop()

	// No transport survives: the client loses its connection and the port
	// no longer accepts.
	waitFor(t, func() bool { return !client.Ready() }, "client still connected after stop")
	require.Equal(t, 0, node.Registry.PendingTotal())
	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	require.Error(t, err, "listener still accepting after stop")
}

func TestConnectorPersistsBalancesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	build := func() *ConnectorNode {
		node, err := NewConnectorNode(ConnectorConfig{
			NodeID:        "b",
			Address:       "g.b",
			BTPServerPort: freePort(t),
			DataDir:       dir,
			Bookkeeping:   BookkeeperConfig{DurableCommits: true},
		}, quietLogger())
		require.NoError(t, err)
		return node
	}
	node := build()
	require.NoError(t, node.Start())
	require.NoError(t, node.Books.Commit("a", "c", DefaultTokenID, 1000, 999))
	node.Stop()

	restarted := build()
	require.NoError(t, restarted.Start())
	defer restarted.Stop()
	require.Equal(t, int64(1000), restarted.Books.Balance("a", DefaultTokenID).Credit.Int64())
	require.Equal(t, int64(999), restarted.Books.Balance("c", DefaultTokenID).Debit.Int64())
}

func TestConnectorThresholdSignalsOverBus(t *testing.T) {
	node, err := NewConnectorNode(ConnectorConfig{
		NodeID:        "b",
		Address:       "g.b",
		BTPServerPort: freePort(t),
		Bookkeeping: BookkeeperConfig{
			Thresholds: map[AccountKey]*big.Int{
				{PeerID: "a", TokenID: DefaultTokenID}: big.NewInt(100),
			},
			MonitorInterval: 20 * time.Millisecond,
		},
	}, quietLogger())
	require.NoError(t, err)
	sink := newCollectingSink()
	node.Bus.Attach(sink)
	require.NoError(t, node.Start())
	defer node.Stop()

	require.NoError(t, node.Books.Commit("a", "c", DefaultTokenID, 500, 499))
	waitFor(t, func() bool { return sink.count(EventSettlementRequired) >= 1 },
		"threshold signal not observed")
}

func TestConnectorConfigValidation(t *testing.T) {
	_, err := NewConnectorNode(ConnectorConfig{Address: "g.x", BTPServerPort: 1}, nil)
	require.Error(t, err, "missing node id")

	_, err = NewConnectorNode(ConnectorConfig{NodeID: "x", Address: "Bad", BTPServerPort: 1}, nil)
	require.Error(t, err, "bad address")

	_, err = NewConnectorNode(ConnectorConfig{NodeID: "x", Address: "g.x", BTPServerPort: 0}, nil)
	require.Error(t, err, "bad port")
}
