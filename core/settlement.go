package core

import (
	"fmt"
	"math/big"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// AccountBalance is the double-entry view of one peer's position with us.
// Net = Credit − Debit; positive means the peer owes us.
type AccountBalance struct {
	Debit     *big.Int
	Credit    *big.Int
	UpdatedAt time.Time
}

// Net returns Credit − Debit.
func (b AccountBalance) Net() *big.Int {
	return new(big.Int).Sub(b.Credit, b.Debit)
}

// DefaultTokenID names the token used when a packet carries no token scope.
const DefaultTokenID = "default"

type account struct {
	mu      sync.Mutex
	debit   *big.Int
	credit  *big.Int
	updated time.Time
}

// -----------------------------------------------------------------------------
// Limits
// -----------------------------------------------------------------------------

// CreditLimits resolves the effective credit limit per account:
// token-specific beats per-peer beats the default, and any result is capped
// by the global ceiling when one is configured. A nil resolved limit means
// unlimited.
type CreditLimits struct {
	PerToken      map[AccountKey]*big.Int
	PerPeer       map[string]*big.Int
	Default       *big.Int
	GlobalCeiling *big.Int
}

// Effective returns the limit applying to key, or nil for unlimited.
func (c CreditLimits) Effective(key AccountKey) *big.Int {
	var limit *big.Int
	if l, ok := c.PerToken[key]; ok {
		limit = l
	} else if l, ok := c.PerPeer[key.PeerID]; ok {
		limit = l
	} else {
		limit = c.Default
	}
	if c.GlobalCeiling != nil && (limit == nil || limit.Cmp(c.GlobalCeiling) > 0) {
		limit = c.GlobalCeiling
	}
	return limit
}

// LimitError reports a rejected pre-settlement check. State is never mutated
// when it is returned.
type LimitError struct {
	PeerID          string
	TokenID         string
	CurrentBalance  *big.Int
	RequestedAmount uint64
	CreditLimit     *big.Int
	WouldExceedBy   *big.Int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("credit limit exceeded for %s/%s: balance %s + %d exceeds %s by %s",
		e.PeerID, e.TokenID, e.CurrentBalance, e.RequestedAmount, e.CreditLimit, e.WouldExceedBy)
}

// -----------------------------------------------------------------------------
// Bookkeeper
// -----------------------------------------------------------------------------

// BookkeeperConfig carries the arithmetic contract of the settlement plane.
type BookkeeperConfig struct {
	// FeeBasisPoints is the connector fee as integer basis points
	// (connectorFeePercentage · 100, rounded at config load). Must be < 10000.
	FeeBasisPoints uint64
	Limits         CreditLimits
	// Thresholds are the settlement watermarks per account.
	Thresholds map[AccountKey]*big.Int
	// MonitorInterval is the threshold poll period (default 30s).
	MonitorInterval time.Duration
	// DurableCommits persists each commit before the Fulfill is returned;
	// otherwise the balance update is in-memory with async persistence.
	DurableCommits bool
}

// SettlementExecutor performs physical settlement. It is an external
// collaborator; the bookkeeper only signals it.
type SettlementExecutor interface {
	Execute(peerID, tokenID string) error
}

// NoopExecutor accepts every settlement signal and does nothing.
type NoopExecutor struct{ Log *logrus.Logger }

func (n NoopExecutor) Execute(peerID, tokenID string) error {
	if n.Log != nil {
		n.Log.WithFields(logrus.Fields{"peer": peerID, "token": tokenID}).
			Info("settlement signal acknowledged (no executor configured)")
	}
	return nil
}

// SettlementBookkeeper guards account balances, enforces credit limits,
// deducts fees and drives the threshold state machine. Balances mutate only
// through it.
type SettlementBookkeeper struct {
	cfg   BookkeeperConfig
	store *BalanceStore
	bus   *TelemetryBus
	log   *logrus.Logger

	mu       sync.RWMutex
	accounts map[AccountKey]*account
	states   map[AccountKey]SettlementState

	asyncWG sync.WaitGroup
}

// NewSettlementBookkeeper loads persisted balances and states from store.
// store may be nil for a purely in-memory bookkeeper (tests, standalone).
func NewSettlementBookkeeper(cfg BookkeeperConfig, store *BalanceStore, bus *TelemetryBus, lg *logrus.Logger) (*SettlementBookkeeper, error) {
	if cfg.FeeBasisPoints >= 10000 {
		return nil, fmt.Errorf("fee of %d basis points swallows the whole amount", cfg.FeeBasisPoints)
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	bk := &SettlementBookkeeper{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		log:      lg,
		accounts: make(map[AccountKey]*account),
		states:   make(map[AccountKey]SettlementState),
	}
	if store != nil {
		for key, bal := range store.Balances() {
			bk.accounts[key] = &account{debit: bal.Debit, credit: bal.Credit, updated: bal.UpdatedAt}
		}
		for key, st := range store.States() {
			if !st.Known() {
				lg.Warnf("discarding unknown persisted settlement state %q for %s", st, key)
				st = SettleIdle
			}
			bk.states[key] = st
		}
	}
	return bk, nil
}

// Fee returns floor(amount · bp / 10000) using exact integer arithmetic.
func (bk *SettlementBookkeeper) Fee(amount uint64) uint64 {
	if bk.cfg.FeeBasisPoints == 0 {
		return 0
	}
	hi, lo := bits.Mul64(amount, bk.cfg.FeeBasisPoints)
	q, _ := bits.Div64(hi, lo, 10000)
	return q
}

// CanAccept checks the credit limit for an inbound prepare from peerID.
// It returns a *LimitError and never mutates state on violation.
func (bk *SettlementBookkeeper) CanAccept(peerID, tokenID string, amount uint64) error {
	key := AccountKey{PeerID: peerID, TokenID: tokenID}
	limit := bk.cfg.Limits.Effective(key)
	if limit == nil {
		return nil
	}
	credit := bk.creditOf(key)
	next := new(big.Int).Add(credit, new(big.Int).SetUint64(amount))
	if next.Cmp(limit) <= 0 {
		return nil
	}
	return &LimitError{
		PeerID:          peerID,
		TokenID:         tokenID,
		CurrentBalance:  credit,
		RequestedAmount: amount,
		CreditLimit:     new(big.Int).Set(limit),
		WouldExceedBy:   new(big.Int).Sub(next, limit),
	}
}

// Commit records a confirmed fulfilled forward: the source peer's credit
// grows by inAmount and the next hop's debit by outAmount, atomically.
// With DurableCommits the record is on disk before Commit returns.
func (bk *SettlementBookkeeper) Commit(sourcePeer, nextHopPeer, tokenID string, inAmount, outAmount uint64) error {
	now := time.Now().UTC()
	srcKey := AccountKey{PeerID: sourcePeer, TokenID: tokenID}
	dstKey := AccountKey{PeerID: nextHopPeer, TokenID: tokenID}

	src := bk.acquire(srcKey)
	dst := bk.acquire(dstKey)

	// Lock in a stable order so concurrent commits over the same pair of
	// accounts cannot deadlock.
	ordered := []*account{src, dst}
	if srcKey.String() > dstKey.String() {
		ordered[0], ordered[1] = dst, src
	}
	ordered[0].mu.Lock()
	if ordered[1] != ordered[0] {
		ordered[1].mu.Lock()
	}
	src.credit.Add(src.credit, new(big.Int).SetUint64(inAmount))
	dst.debit.Add(dst.debit, new(big.Int).SetUint64(outAmount))
	src.updated, dst.updated = now, now
	if ordered[1] != ordered[0] {
		ordered[1].mu.Unlock()
	}
	ordered[0].mu.Unlock()

	bk.publishBalance(srcKey)
	bk.publishBalance(dstKey)

	if bk.store == nil {
		return nil
	}
	rec := CommitRecord{
		SourcePeer:  sourcePeer,
		NextHopPeer: nextHopPeer,
		TokenID:     tokenID,
		InAmount:    new(big.Int).SetUint64(inAmount).String(),
		OutAmount:   new(big.Int).SetUint64(outAmount).String(),
		At:          now,
	}
	if bk.cfg.DurableCommits {
		return bk.store.AppendCommit(rec)
	}
	bk.asyncWG.Add(1)
	go func() {
		defer bk.asyncWG.Done()
		if err := bk.store.AppendCommit(rec); err != nil {
			bk.log.Errorf("async balance commit: %v", err)
		}
	}()
	return nil
}

// Balance returns a copy of the account's balance.
func (bk *SettlementBookkeeper) Balance(peerID, tokenID string) AccountBalance {
	key := AccountKey{PeerID: peerID, TokenID: tokenID}
	bk.mu.RLock()
	a, ok := bk.accounts[key]
	bk.mu.RUnlock()
	if !ok {
		return AccountBalance{Debit: new(big.Int), Credit: new(big.Int)}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return AccountBalance{
		Debit:     new(big.Int).Set(a.debit),
		Credit:    new(big.Int).Set(a.credit),
		UpdatedAt: a.updated,
	}
}

// Accounts returns all known account keys in stable order.
func (bk *SettlementBookkeeper) Accounts() []AccountKey {
	bk.mu.RLock()
	keys := make([]AccountKey, 0, len(bk.accounts))
	for k := range bk.accounts {
		keys = append(keys, k)
	}
	bk.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Flush waits for async persistence and snapshots the store.
func (bk *SettlementBookkeeper) Flush() error {
	bk.asyncWG.Wait()
	if bk.store == nil {
		return nil
	}
	return bk.store.Flush()
}

func (bk *SettlementBookkeeper) acquire(key AccountKey) *account {
	bk.mu.RLock()
	a, ok := bk.accounts[key]
	bk.mu.RUnlock()
	if ok {
		return a
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if a, ok = bk.accounts[key]; ok {
		return a
	}
	a = &account{debit: new(big.Int), credit: new(big.Int)}
	bk.accounts[key] = a
	return a
}

func (bk *SettlementBookkeeper) creditOf(key AccountKey) *big.Int {
	bk.mu.RLock()
	a, ok := bk.accounts[key]
	bk.mu.RUnlock()
	if !ok {
		return new(big.Int)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.credit)
}

func (bk *SettlementBookkeeper) publishBalance(key AccountKey) {
	if bk.bus == nil {
		return
	}
	bal := bk.Balance(key.PeerID, key.TokenID)
	bk.bus.Publish(EventAccountBalance, AccountBalanceEvent{
		PeerID:          key.PeerID,
		TokenID:         key.TokenID,
		Debit:           bal.Debit.String(),
		Credit:          bal.Credit.String(),
		Net:             bal.Net().String(),
		SettlementState: string(bk.State(key)),
	})
}
