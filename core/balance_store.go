package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Durable account state. Balance commits and settlement-state changes are
// appended to a write-ahead log and replayed on open; a periodic snapshot
// bounds the log. One commit record carries both sides of a forward so the
// two account updates are a single atomic unit on disk.

// AccountKey identifies one bookkeeping account.
type AccountKey struct {
	PeerID  string `json:"peer_id"`
	TokenID string `json:"token_id"`
}

func (k AccountKey) String() string { return k.PeerID + "/" + k.TokenID }

// CommitRecord is the durable form of one fulfilled forward: the source
// peer's credit grows by InAmount, the next hop's debit by OutAmount.
type CommitRecord struct {
	SourcePeer  string    `json:"source_peer"`
	NextHopPeer string    `json:"next_hop_peer"`
	TokenID     string    `json:"token_id"`
	InAmount    string    `json:"in_amount"`
	OutAmount   string    `json:"out_amount"`
	At          time.Time `json:"at"`
}

// balanceRecord is one WAL line. Exactly one of Commit and State is set.
type balanceRecord struct {
	Commit *CommitRecord `json:"commit,omitempty"`
	State  *stateRecord  `json:"state,omitempty"`
}

type stateRecord struct {
	PeerID  string    `json:"peer_id"`
	TokenID string    `json:"token_id"`
	State   string    `json:"state"`
	At      time.Time `json:"at"`
}

// balanceSnapshot is the full-state snapshot file layout.
type balanceSnapshot struct {
	Accounts []snapshotAccount `json:"accounts"`
	States   []stateRecord     `json:"states"`
}

type snapshotAccount struct {
	PeerID    string    `json:"peer_id"`
	TokenID   string    `json:"token_id"`
	Debit     string    `json:"debit"`
	Credit    string    `json:"credit"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceStore persists account balances and settlement states under one
// directory ("balances.snap" + "balances.wal").
type BalanceStore struct {
	mu           sync.Mutex
	walFile      *os.File
	snapshotPath string
	snapInterval int
	appended     int
	log          *logrus.Logger

	balances map[AccountKey]*storedBalance
	states   map[AccountKey]SettlementState
}

type storedBalance struct {
	debit     *big.Int
	credit    *big.Int
	updatedAt time.Time
}

// OpenBalanceStore loads the snapshot if present and replays the WAL.
// snapInterval is the number of appended records between snapshots
// (0 disables automatic snapshots).
func OpenBalanceStore(dir string, snapInterval int, lg *logrus.Logger) (*BalanceStore, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("balance store dir: %w", err)
	}
	s := &BalanceStore{
		snapshotPath: filepath.Join(dir, "balances.snap"),
		snapInterval: snapInterval,
		log:          lg,
		balances:     make(map[AccountKey]*storedBalance),
		states:       make(map[AccountKey]SettlementState),
	}

	if f, err := os.Open(s.snapshotPath); err == nil {
		var snap balanceSnapshot
		err = json.NewDecoder(f).Decode(&snap)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		for _, a := range snap.Accounts {
			debit, ok1 := new(big.Int).SetString(a.Debit, 10)
			credit, ok2 := new(big.Int).SetString(a.Credit, 10)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("snapshot balance for %s/%s not numeric", a.PeerID, a.TokenID)
			}
			s.balances[AccountKey{a.PeerID, a.TokenID}] = &storedBalance{
				debit: debit, credit: credit, updatedAt: a.UpdatedAt,
			}
		}
		for _, st := range snap.States {
			s.states[AccountKey{st.PeerID, st.TokenID}] = SettlementState(st.State)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	wal, err := os.OpenFile(filepath.Join(dir, "balances.wal"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	s.walFile = wal

	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec balanceRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			_ = wal.Close()
			return nil, fmt.Errorf("WAL unmarshal: %w", err)
		}
		if err := s.apply(&rec); err != nil {
			_ = wal.Close()
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		_ = wal.Close()
		return nil, fmt.Errorf("WAL scan: %w", err)
	}
	return s, nil
}

func (s *BalanceStore) apply(rec *balanceRecord) error {
	switch {
	case rec.Commit != nil:
		c := rec.Commit
		in, ok1 := new(big.Int).SetString(c.InAmount, 10)
		out, ok2 := new(big.Int).SetString(c.OutAmount, 10)
		if !ok1 || !ok2 {
			return fmt.Errorf("commit amounts not numeric")
		}
		src := s.account(AccountKey{c.SourcePeer, c.TokenID})
		dst := s.account(AccountKey{c.NextHopPeer, c.TokenID})
		src.credit.Add(src.credit, in)
		dst.debit.Add(dst.debit, out)
		src.updatedAt, dst.updatedAt = c.At, c.At
	case rec.State != nil:
		s.states[AccountKey{rec.State.PeerID, rec.State.TokenID}] = SettlementState(rec.State.State)
	default:
		return fmt.Errorf("empty WAL record")
	}
	return nil
}

func (s *BalanceStore) account(key AccountKey) *storedBalance {
	b, ok := s.balances[key]
	if !ok {
		b = &storedBalance{debit: new(big.Int), credit: new(big.Int)}
		s.balances[key] = b
	}
	return b
}

// Balances returns a deep copy of every stored balance.
func (s *BalanceStore) Balances() map[AccountKey]AccountBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[AccountKey]AccountBalance, len(s.balances))
	for k, b := range s.balances {
		out[k] = AccountBalance{
			Debit:     new(big.Int).Set(b.debit),
			Credit:    new(big.Int).Set(b.credit),
			UpdatedAt: b.updatedAt,
		}
	}
	return out
}

// States returns a copy of the stored settlement states.
func (s *BalanceStore) States() map[AccountKey]SettlementState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[AccountKey]SettlementState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// AppendCommit durably applies one two-sided balance commit.
func (s *BalanceStore) AppendCommit(c CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := balanceRecord{Commit: &c}
	if err := s.apply(&rec); err != nil {
		return err
	}
	return s.appendLocked(&rec)
}

// SaveState durably records a settlement-state transition.
func (s *BalanceStore) SaveState(key AccountKey, st SettlementState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := balanceRecord{State: &stateRecord{
		PeerID: key.PeerID, TokenID: key.TokenID, State: string(st), At: time.Now().UTC(),
	}}
	if err := s.apply(&rec); err != nil {
		return err
	}
	return s.appendLocked(&rec)
}

func (s *BalanceStore) appendLocked(rec *balanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal WAL record: %w", err)
	}
	if _, err := s.walFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write WAL: %w", err)
	}
	_ = s.walFile.Sync()
	s.appended++
	if s.snapInterval > 0 && s.appended >= s.snapInterval {
		if err := s.snapshotLocked(); err != nil {
			s.log.Errorf("balance snapshot: %v", err)
		}
	}
	return nil
}

// Flush forces a snapshot, truncating the WAL.
func (s *BalanceStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *BalanceStore) snapshotLocked() error {
	snap := balanceSnapshot{}
	for k, b := range s.balances {
		snap.Accounts = append(snap.Accounts, snapshotAccount{
			PeerID:    k.PeerID,
			TokenID:   k.TokenID,
			Debit:     b.debit.String(),
			Credit:    b.credit.String(),
			UpdatedAt: b.updatedAt,
		})
	}
	for k, st := range s.states {
		snap.States = append(snap.States, stateRecord{PeerID: k.PeerID, TokenID: k.TokenID, State: string(st)})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}

	// Truncate WAL: snapshot now carries the full state.
	if err := s.walFile.Close(); err != nil {
		return err
	}
	wal, err := os.Create(s.walFile.Name())
	if err != nil {
		return err
	}
	s.walFile = wal
	s.appended = 0
	s.log.Debugf("balance snapshot saved to %s; WAL truncated", s.snapshotPath)
	return nil
}

// Close flushes a final snapshot and releases the WAL.
func (s *BalanceStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walFile == nil {
		return nil
	}
	if err := s.snapshotLocked(); err != nil {
		s.log.Errorf("final balance snapshot: %v", err)
	}
	err := s.walFile.Close()
	s.walFile = nil
	return err
}
