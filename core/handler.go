package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// PacketHandler is the forwarding state machine. One call to HandleIncoming
// carries a packet from validation through routing, settlement pre-check,
// the outbound hop and response pairing; there is no persistent per-packet
// state.

// HandlerConfig parameterises the forwarding plane.
type HandlerConfig struct {
	NodeID string
	// NodeAddress is this connector's own ILP address, stamped into rejects
	// and the forwarding trace.
	NodeAddress Address
	// MinExpiryWindow is the minimum outgoing timeout ε (default 1s).
	MinExpiryWindow time.Duration
	// MaxHops bounds the forwarding trace (default 30).
	MaxHops int
}

// LocalHandler delivers packets addressed to this node itself. Absent a
// registered handler, self-addressed packets reject with F02.
type LocalHandler func(prepare *PreparePacket, sourcePeerID string) Packet

// PacketSender is the outbound half of a peer transport as the forwarding
// plane sees it.
type PacketSender interface {
	SendPacket(ctx context.Context, prepare *PreparePacket) (Packet, error)
	Ready() bool
}

// TransportProvider resolves the transport for a next hop peer.
type TransportProvider interface {
	Lookup(peerID string) (PacketSender, bool)
}

// PacketHandler forwards prepares between peer transports.
type PacketHandler struct {
	cfg     HandlerConfig
	table   *RoutingTable
	peers   TransportProvider
	books   *SettlementBookkeeper
	bus     *TelemetryBus
	metrics *ConnectorMetrics
	log     *logrus.Logger

	local LocalHandler
}

// NewPacketHandler wires the forwarding plane over its collaborators.
func NewPacketHandler(cfg HandlerConfig, table *RoutingTable, peers TransportProvider, books *SettlementBookkeeper, bus *TelemetryBus, metrics *ConnectorMetrics, lg *logrus.Logger) *PacketHandler {
	if cfg.MinExpiryWindow <= 0 {
		cfg.MinExpiryWindow = time.Second
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 30
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &PacketHandler{
		cfg:     cfg,
		table:   table,
		peers:   peers,
		books:   books,
		bus:     bus,
		metrics: metrics,
		log:     lg,
	}
}

// SetLocalHandler registers the local delivery hook.
func (h *PacketHandler) SetLocalHandler(l LocalHandler) { h.local = l }

// HandleIncoming is the canonical forwarding primitive, invoked by a
// transport for every inbound Prepare. It always returns a Fulfill or a
// Reject; internal failures become T00 with a generic message.
func (h *PacketHandler) HandleIncoming(prepare *PreparePacket, sourcePeerID string) (result Packet) {
	start := time.Now()
	nextHop := ""
	defer func() {
		if r := recover(); r != nil {
			h.log.WithFields(logrus.Fields{
				"source":      sourcePeerID,
				"destination": prepare.Destination,
				"panic":       r,
			}).Error("packet handler panicked")
			result = NewReject(CodeInternalError, h.cfg.NodeAddress, "")
		}
		h.emit(prepare, sourcePeerID, nextHop, result, time.Since(start))
	}()

	// Expiry. Already-dead packets time out; ones without room for the
	// outgoing window lack timeout budget.
	now := time.Now()
	if !prepare.ExpiresAt.After(now) {
		return NewReject(CodeTransferTimedOut, h.cfg.NodeAddress, "expired")
	}
	if !prepare.ExpiresAt.After(now.Add(h.cfg.MinExpiryWindow)) {
		return NewReject(CodeInsufficientTimeout, h.cfg.NodeAddress, "insufficient timeout")
	}

	// Loop protection via the forwarding trace carried in data.
	trace, rest := parseTrace(prepare.Data)
	if trace.contains(h.cfg.NodeAddress) || int(trace.Hops) >= h.cfg.MaxHops {
		return NewReject(CodeInternalError, h.cfg.NodeAddress, "loop")
	}

	// Route.
	nextHop = h.table.NextHopFor(prepare.Destination)
	if nextHop == "" {
		return NewReject(CodeUnreachable, h.cfg.NodeAddress, "no route to destination")
	}
	if nextHop == h.cfg.NodeID {
		if h.local != nil {
			// The trace block is connector-internal; end systems get the
			// application payload only.
			delivered := *prepare
			delivered.Data = rest
			return h.local(&delivered, sourcePeerID)
		}
		return NewReject(CodeUnreachable, h.cfg.NodeAddress, "no local delivery")
	}

	// Pre-settlement credit check.
	if err := h.books.CanAccept(sourcePeerID, DefaultTokenID, prepare.Amount); err != nil {
		var le *LimitError
		if errors.As(err, &le) {
			h.log.WithFields(logrus.Fields{
				"peer":       le.PeerID,
				"token":      le.TokenID,
				"balance":    le.CurrentBalance.String(),
				"requested":  le.RequestedAmount,
				"limit":      le.CreditLimit.String(),
				"exceeds_by": le.WouldExceedBy.String(),
			}).Warn("credit limit exceeded")
		}
		return NewReject(CodeInsufficientLiquid, h.cfg.NodeAddress, "insufficient liquidity")
	}

	// Fee.
	fee := h.books.Fee(prepare.Amount)
	if prepare.Amount == 0 || prepare.Amount <= fee {
		return NewReject(CodeInvalidAmount, h.cfg.NodeAddress, "amount does not cover fee")
	}
	outgoingAmount := prepare.Amount - fee

	// Outbound transport.
	transport, ok := h.peers.Lookup(nextHop)
	if !ok || !transport.Ready() {
		return NewReject(CodePeerUnreachable, h.cfg.NodeAddress, "next hop unavailable")
	}

	// Rewrite: shave the expiry window, deduct the fee, extend the trace.
	outgoingExpiry := prepare.ExpiresAt.Add(-h.cfg.MinExpiryWindow)
	outgoing := &PreparePacket{
		Amount:             outgoingAmount,
		Destination:        prepare.Destination,
		ExecutionCondition: prepare.ExecutionCondition,
		ExpiresAt:          outgoingExpiry,
		Data:               trace.extended(h.cfg.NodeAddress).encode(rest),
	}

	ctx, cancel := context.WithDeadline(context.Background(), outgoingExpiry)
	defer cancel()
	response, err := transport.SendPacket(ctx, outgoing)
	if err != nil {
		return h.rejectForTransportErr(err)
	}

	switch pkt := response.(type) {
	case *FulfillPacket:
		if !pkt.Matches(prepare.ExecutionCondition) {
			// Never propagate a fulfillment that fails its condition.
			h.log.WithFields(logrus.Fields{
				"peer":        nextHop,
				"destination": prepare.Destination,
			}).Error("next hop returned invalid fulfillment; protocol violation")
			return NewReject(CodeBadFulfillment, h.cfg.NodeAddress, "invalid fulfillment")
		}
		if err := h.books.Commit(sourcePeerID, nextHop, DefaultTokenID, prepare.Amount, outgoingAmount); err != nil {
			// The transfer executed downstream; withholding the proof would
			// punish the source for our bookkeeping, so log loudly instead.
			h.log.Errorf("balance commit for %s->%s: %v", sourcePeerID, nextHop, err)
		}
		return pkt
	case *RejectPacket:
		if pkt.TriggeredBy == "" {
			pkt.TriggeredBy = h.cfg.NodeAddress
		}
		return pkt
	}
	return NewReject(CodeInternalError, h.cfg.NodeAddress, "")
}

func (h *PacketHandler) rejectForTransportErr(err error) *RejectPacket {
	switch {
	case errors.Is(err, ErrTimeout):
		return NewReject(CodeTransferTimedOut, h.cfg.NodeAddress, "next hop timed out")
	case errors.Is(err, ErrPeerUnreachable):
		return NewReject(CodePeerUnreachable, h.cfg.NodeAddress, "next hop unreachable")
	case errors.Is(err, ErrPeerBusy):
		return NewReject(CodeConnectorBusy, h.cfg.NodeAddress, "connector busy")
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		// Shutdown cancellation surfaces as a plain temporary failure.
		return NewReject(CodeInternalError, h.cfg.NodeAddress, "")
	}
	h.log.Errorf("forward failed: %v", err)
	return NewReject(CodeInternalError, h.cfg.NodeAddress, "")
}

func (h *PacketHandler) emit(prepare *PreparePacket, source, nextHop string, result Packet, elapsed time.Duration) {
	outcome := "REJECTED:T00"
	switch pkt := result.(type) {
	case *FulfillPacket:
		outcome = "FULFILLED"
	case *RejectPacket:
		outcome = "REJECTED:" + string(pkt.Code)
	}
	if h.metrics != nil {
		h.metrics.PacketsForwarded.WithLabelValues(outcome).Inc()
		h.metrics.PacketDuration.Observe(elapsed.Seconds())
	}
	if h.bus != nil {
		h.bus.Publish(EventPacketForwarded, PacketForwardedEvent{
			NodeID:        h.cfg.NodeID,
			SourcePeerID:  source,
			NextHopPeerID: nextHop,
			Destination:   prepare.Destination,
			Amount:        prepare.Amount,
			Result:        outcome,
			DurationMicro: elapsed.Microseconds(),
		})
	}
}
