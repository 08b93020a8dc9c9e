package core

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------------
// Telemetry events
// -----------------------------------------------------------------------------

// EventKind discriminates telemetry payloads.
type EventKind string

const (
	EventPacketForwarded     EventKind = "PACKET_FORWARDED"
	EventPeerStateChanged    EventKind = "PEER_STATE_CHANGED"
	EventAccountBalance      EventKind = "ACCOUNT_BALANCE"
	EventSettlementRequired  EventKind = "SETTLEMENT_REQUIRED"
	EventSettlementCompleted EventKind = "SETTLEMENT_COMPLETED"
	EventSettlementCancelled EventKind = "SETTLEMENT_CANCELLED"
	EventHealthStatus        EventKind = "HEALTH_STATUS"
)

// Event is the envelope every component publishes onto the bus.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// PacketForwardedEvent reports the outcome of one forwarded packet.
type PacketForwardedEvent struct {
	NodeID        string  `json:"node_id"`
	SourcePeerID  string  `json:"source_peer_id"`
	NextHopPeerID string  `json:"next_hop_peer_id"`
	Destination   Address `json:"destination"`
	Amount        uint64  `json:"amount"`
	Result        string  `json:"result"` // FULFILLED or REJECTED:<code>
	DurationMicro int64   `json:"duration_micros"`
}

// PeerStateChangedEvent reports a transport state transition.
type PeerStateChangedEvent struct {
	PeerID   string `json:"peer_id"`
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// AccountBalanceEvent is a balance snapshot for one (peer, token) account.
type AccountBalanceEvent struct {
	PeerID          string `json:"peer_id"`
	TokenID         string `json:"token_id"`
	Debit           string `json:"debit"`
	Credit          string `json:"credit"`
	Net             string `json:"net"`
	SettlementState string `json:"settlement_state"`
}

// SettlementEvent accompanies the threshold monitor's transitions.
type SettlementEvent struct {
	PeerID         string    `json:"peer_id"`
	TokenID        string    `json:"token_id"`
	CurrentBalance string    `json:"current_balance"`
	Threshold      string    `json:"threshold"`
	ExceedsBy      string    `json:"exceeds_by,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// HealthStatusEvent reports connector health recomputation results.
type HealthStatusEvent struct {
	Status         string `json:"status"`
	PeersConnected int    `json:"peers_connected"`
	TotalPeers     int    `json:"total_peers"`
}

// -----------------------------------------------------------------------------
// TelemetryBus
// -----------------------------------------------------------------------------

// TelemetrySink consumes events delivered by the bus dispatcher. Consume must
// not block for long; slow sinks should keep their own queue.
type TelemetrySink interface {
	Consume(Event)
	Close() error
}

const defaultTelemetryBuffer = 1024

// TelemetryBus is a bounded in-process event channel. Publishing never
// blocks: when the buffer is full the oldest event is dropped and counted.
type TelemetryBus struct {
	ch      chan Event
	dropped atomic.Uint64

	mu    sync.Mutex
	sinks []TelemetrySink

	log  *logrus.Logger
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewTelemetryBus creates a bus with the given buffer size (0 for default).
func NewTelemetryBus(buffer int, lg *logrus.Logger) *TelemetryBus {
	if buffer <= 0 {
		buffer = defaultTelemetryBuffer
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	b := &TelemetryBus{
		ch:   make(chan Event, buffer),
		log:  lg,
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Attach registers a sink. Sinks attached after events were dispatched only
// observe later events.
func (b *TelemetryBus) Attach(s TelemetrySink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish enqueues an event, dropping the oldest buffered event on overflow.
func (b *TelemetryBus) Publish(kind EventKind, payload any) {
	ev := Event{ID: uuid.New().String(), Kind: kind, At: time.Now().UTC(), Payload: payload}
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of events discarded due to overflow.
func (b *TelemetryBus) Dropped() uint64 { return b.dropped.Load() }

// Close stops the dispatcher after draining buffered events and closes all
// sinks.
func (b *TelemetryBus) Close() {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.mu.Lock()
		sinks := b.sinks
		b.sinks = nil
		b.mu.Unlock()
		for _, s := range sinks {
			if err := s.Close(); err != nil {
				b.log.Warnf("telemetry sink close: %v", err)
			}
		}
	})
}

func (b *TelemetryBus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.ch:
			b.deliver(ev)
		case <-b.done:
			// Drain what is buffered, then stop.
			for {
				select {
				case ev := <-b.ch:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *TelemetryBus) deliver(ev Event) {
	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()
	for _, s := range sinks {
		s.Consume(ev)
	}
}

// -----------------------------------------------------------------------------
// File sink
// -----------------------------------------------------------------------------

// FileSink appends events as JSON lines, one object per event.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	log  *logrus.Logger
}

// NewFileSink opens (or creates) the event log at path.
func NewFileSink(path string, lg *logrus.Logger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &FileSink{file: f, log: lg}, nil
}

func (s *FileSink) Consume(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warnf("event marshal: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		s.log.Warnf("event append: %v", err)
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
