package db

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// SettlementState is the position of one lock event in the issue-then-finalize sequence.
type SettlementState string

const (
	StateIssuePending      SettlementState = "ISSUE_PENDING"
	StateIssueFailed       SettlementState = "ISSUE_FAILED"
	StateIssueSucceeded    SettlementState = "ISSUE_SUCCEEDED"
	StateFinalizePending   SettlementState = "FINALIZE_PENDING"
	StateFinalizeFailed    SettlementState = "FINALIZE_FAILED"
	StateFinalizeSucceeded SettlementState = "FINALIZE_SUCCEEDED"
	// StateFinalizeAbandoned marks a record whose finalize retries ran out. It needs manual reconciliation.
	StateFinalizeAbandoned SettlementState = "FINALIZE_ABANDONED"
)

var AllSettlementStates = []SettlementState{
	StateIssuePending,
	StateIssueFailed,
	StateIssueSucceeded,
	StateFinalizePending,
	StateFinalizeFailed,
	StateFinalizeSucceeded,
	StateFinalizeAbandoned,
}

// Terminal reports whether no automatic transition leaves s.
func (s SettlementState) Terminal() bool {
	switch s {
	case StateIssueFailed, StateFinalizeSucceeded, StateFinalizeAbandoned:
		return true
	}
	return false
}

// SettlementRecord is the durable state of one lock event's settlement.
type SettlementRecord struct {
	ID    string          `json:"id"`
	State SettlementState `json:"state"`

	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	// Amount is the rescaled amount in decimal.
	Amount      string `json:"amount"`
	SourceTx    string `json:"sourceTx"`
	BlockNumber uint64 `json:"blockNumber"`
	LogIndex    uint   `json:"logIndex"`

	IssueTx          string `json:"issueTx,omitempty"`
	BurnTx           string `json:"burnTx,omitempty"`
	LastError        string `json:"lastError,omitempty"`
	FinalizeAttempts int    `json:"finalizeAttempts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const settlementPrefix = "RELAYER:SETTLEMENT:V1:"

func settlementKey(id string) []byte {
	return []byte(settlementPrefix + id)
}

func (d *Database) ClaimSettlement(r *SettlementRecord) (*SettlementRecord, bool, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, false, ErrMarshal
	}

	key := settlementKey(r.ID)
	var existing *SettlementRecord
	err = d.db.Update(func(txn *badger.Txn) error {
		item, getErr := txn.Get(key)
		if getErr == nil {
			val, copyErr := item.ValueCopy(nil)
			if copyErr != nil {
				return copyErr
			}
			existing = &SettlementRecord{}
			if jsonErr := json.Unmarshal(val, existing); jsonErr != nil {
				return ErrUnmarshal
			}
			return nil
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return nil, false, &DBError{Op: OpUpdate, Key: key, Err: err}
	}
	if existing != nil {
		return existing, false, nil
	}

	settlementWritesTotal.WithLabelValues(string(r.State)).Inc()
	return nil, true, nil
}

func (d *Database) StoreSettlement(r *SettlementRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return ErrMarshal
	}

	key := settlementKey(r.ID)
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	}); err != nil {
		return &DBError{Op: OpUpdate, Key: key, Err: err}
	}

	settlementWritesTotal.WithLabelValues(string(r.State)).Inc()
	return nil
}

func (d *Database) TransitionSettlement(r *SettlementRecord, from SettlementState, attempts int) (bool, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return false, ErrMarshal
	}

	key := settlementKey(r.ID)
	swapped := false
	err = d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var cur SettlementRecord
		if err := json.Unmarshal(val, &cur); err != nil {
			return ErrUnmarshal
		}
		if cur.State != from || cur.FinalizeAttempts != attempts {
			return nil
		}
		swapped = true
		return txn.Set(key, b)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction wrote the record after this one read it.
		return false, nil
	}
	if err != nil {
		return false, &DBError{Op: OpUpdate, Key: key, Err: err}
	}
	if swapped {
		settlementWritesTotal.WithLabelValues(string(r.State)).Inc()
	}
	return swapped, nil
}

func (d *Database) GetSettlement(id string) (*SettlementRecord, error) {
	key := settlementKey(id)
	var val []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, &DBError{Op: OpRead, Key: key, Err: err}
	}

	var r SettlementRecord
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, ErrUnmarshal
	}
	return &r, nil
}

func (d *Database) ListSettlements(states ...SettlementState) ([]*SettlementRecord, error) {
	want := make(map[SettlementState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var out []*SettlementRecord
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(settlementPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var r SettlementRecord
			if err := json.Unmarshal(val, &r); err != nil {
				return &DBError{Op: OpRead, Key: item.KeyCopy(nil), Err: ErrUnmarshal}
			}
			if len(want) == 0 || want[r.State] {
				out = append(out, &r)
			}
		}
		return nil
	})
	if err != nil {
		var dbErr *DBError
		if errors.As(err, &dbErr) {
			return nil, err
		}
		return nil, &DBError{Op: OpRead, Key: []byte(strings.TrimSuffix(settlementPrefix, ":")), Err: err}
	}
	return out, nil
}
