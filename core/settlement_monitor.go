package core

import (
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SettlementState is the per-account settlement trigger state.
type SettlementState string

const (
	SettleIdle       SettlementState = "IDLE"
	SettlePending    SettlementState = "PENDING"
	SettleInProgress SettlementState = "IN_PROGRESS"
)

// Known reports whether s is one of the three defined states.
func (s SettlementState) Known() bool {
	switch s {
	case SettleIdle, SettlePending, SettleInProgress:
		return true
	}
	return false
}

// legalSettlementTransition encodes the only permitted state moves.
func legalSettlementTransition(from, to SettlementState) bool {
	switch {
	case from == SettleIdle && to == SettlePending:
		return true
	case from == SettlePending && to == SettleInProgress:
		return true
	case from == SettleInProgress && to == SettleIdle:
		return true
	case from == SettlePending && to == SettleIdle:
		return true
	}
	return false
}

// State returns the settlement state for an account (IDLE when untracked).
func (bk *SettlementBookkeeper) State(key AccountKey) SettlementState {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	if st, ok := bk.states[key]; ok {
		return st
	}
	return SettleIdle
}

// transitionState applies a settlement state change if it is legal. Illegal
// transitions are logged and suppressed; the state does not move.
func (bk *SettlementBookkeeper) transitionState(key AccountKey, to SettlementState) bool {
	bk.mu.Lock()
	from, ok := bk.states[key]
	if !ok {
		from = SettleIdle
	}
	if !legalSettlementTransition(from, to) {
		bk.mu.Unlock()
		bk.log.WithFields(logrus.Fields{
			"account": key.String(),
			"from":    from,
			"to":      to,
		}).Error("illegal settlement state transition suppressed")
		return false
	}
	bk.states[key] = to
	bk.mu.Unlock()

	if bk.store != nil {
		if err := bk.store.SaveState(key, to); err != nil {
			bk.log.Errorf("persist settlement state %s for %s: %v", to, key, err)
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Threshold monitor
// -----------------------------------------------------------------------------

// ThresholdMonitor polls credit balances against configured watermarks and
// signals the settlement executor. It never settles anything itself.
type ThresholdMonitor struct {
	bk       *SettlementBookkeeper
	executor SettlementExecutor
	bus      *TelemetryBus
	metrics  *ConnectorMetrics
	log      *logrus.Logger
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewThresholdMonitor wires a monitor over the bookkeeper's thresholds.
func NewThresholdMonitor(bk *SettlementBookkeeper, executor SettlementExecutor, bus *TelemetryBus, metrics *ConnectorMetrics, lg *logrus.Logger) *ThresholdMonitor {
	if executor == nil {
		executor = NoopExecutor{Log: lg}
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &ThresholdMonitor{
		bk:       bk,
		executor: executor,
		bus:      bus,
		metrics:  metrics,
		log:      lg,
		interval: bk.cfg.MonitorInterval,
		done:     make(chan struct{}),
	}
}

// Start launches the periodic poll loop.
func (m *ThresholdMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the loop and waits for in-flight executor calls.
func (m *ThresholdMonitor) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *ThresholdMonitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			m.tick()
			// A slow tick must not pile up behind the next one; the ticker
			// already skips missed ticks, so just make the lag visible.
			if elapsed := time.Since(start); elapsed > m.interval {
				m.log.Warnf("threshold tick took %s (interval %s); next tick skipped", elapsed, m.interval)
			}
		case <-m.done:
			return
		}
	}
}

// Tick runs one evaluation pass over all thresholded accounts. Exposed for
// tests; production drives it from the internal ticker.
func (m *ThresholdMonitor) Tick() { m.tick() }

func (m *ThresholdMonitor) tick() {
	for key, threshold := range m.bk.cfg.Thresholds {
		if threshold == nil {
			continue
		}
		m.evaluate(key, threshold)
	}
}

func (m *ThresholdMonitor) evaluate(key AccountKey, threshold *big.Int) {
	credit := m.bk.creditOf(key)
	state := m.bk.State(key)
	over := credit.Cmp(threshold) > 0

	switch state {
	case SettleIdle:
		if !over {
			return
		}
		if !m.bk.transitionState(key, SettlePending) {
			return
		}
		exceeds := new(big.Int).Sub(credit, threshold)
		m.signal(EventSettlementRequired, key, credit, threshold, exceeds)
		m.log.WithFields(logrus.Fields{
			"account":   key.String(),
			"balance":   credit.String(),
			"threshold": threshold.String(),
		}).Info("settlement required")
		m.dispatch(key)

	case SettlePending:
		if over {
			return
		}
		// Balance receded on its own; nothing to settle anymore.
		if m.bk.transitionState(key, SettleIdle) {
			m.signal(EventSettlementCancelled, key, credit, threshold, nil)
		}

	case SettleInProgress:
		if over {
			return
		}
		if m.bk.transitionState(key, SettleIdle) {
			m.signal(EventSettlementCompleted, key, credit, threshold, nil)
		}
	}
}

// dispatch hands the account to the executor. Acceptance moves the state to
// IN_PROGRESS; errors leave it PENDING. A PENDING account is not dispatched
// again; later ticks only return it to IDLE once its balance is back at or
// under the threshold.
func (m *ThresholdMonitor) dispatch(key AccountKey) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.executor.Execute(key.PeerID, key.TokenID); err != nil {
			m.log.Warnf("settlement executor for %s: %v", key, err)
			return
		}
		m.bk.transitionState(key, SettleInProgress)
	}()
}

func (m *ThresholdMonitor) signal(kind EventKind, key AccountKey, balance, threshold, exceeds *big.Int) {
	if m.metrics != nil {
		m.metrics.SettlementSignal.WithLabelValues(string(kind)).Inc()
	}
	if m.bus == nil {
		return
	}
	ev := SettlementEvent{
		PeerID:         key.PeerID,
		TokenID:        key.TokenID,
		CurrentBalance: balance.String(),
		Threshold:      threshold.String(),
		Timestamp:      time.Now().UTC(),
	}
	if exceeds != nil {
		ev.ExceedsBy = exceeds.String()
	}
	m.bus.Publish(kind, ev)
}
