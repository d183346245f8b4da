package db

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var settlementWritesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relayer_db_settlement_writes_total",
		Help: "Total number of settlement records written to the ledger, by state",
	}, []string{"state"})

// Ledger is the durable record of relayer progress: the last fully processed chain A block, and one settlement
// record per lock event keyed by the event's fingerprint.
type Ledger interface {
	// ClaimSettlement stores r if no record with the same ID exists. Otherwise it returns the existing record and
	// claimed is false.
	ClaimSettlement(r *SettlementRecord) (existing *SettlementRecord, claimed bool, err error)
	StoreSettlement(r *SettlementRecord) error
	// TransitionSettlement stores r only if the stored record with the same ID is still in state from with the given
	// number of finalize attempts. swapped is false if the record is missing or another writer changed it first.
	TransitionSettlement(r *SettlementRecord, from SettlementState, attempts int) (swapped bool, err error)
	GetSettlement(id string) (*SettlementRecord, error)
	// ListSettlements returns every record in one of the given states, or every record if none are given.
	ListSettlements(states ...SettlementState) ([]*SettlementRecord, error)

	GetCursor() (uint64, error)
	StoreCursor(block uint64) error

	Close() error
}

var (
	ErrSettlementNotFound = errors.New("settlement not found in ledger")
	ErrCursorNotFound     = errors.New("no cursor stored in ledger")
	ErrMarshal            = errors.New("ledger: marshal")
	ErrUnmarshal          = errors.New("ledger: unmarshal")
)

// Operation represents a database operation type
type Operation string

const (
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
)

type DBError struct {
	Op  Operation
	Key []byte
	Err error
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func (e *DBError) Error() string {
	return fmt.Sprintf("ledger database: %s key: %s error: %v", e.Op, e.Key, e.Err)
}

// Database is the badger backed Ledger.
type Database struct {
	db *badger.DB
}

var _ Ledger = (*Database)(nil)

// Open opens (or creates) a badger database in dir.
func Open(dir string, logger *zap.Logger) (*Database, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{db: db}, nil
}

// OpenInMemory opens a database that lives only as long as the process.
func OpenInMemory() (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// badgerLogger adapts zap to badger's logging interface, which differs only in the name of its warning method.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(template string, args ...interface{}) {
	l.Warnf(template, args...)
}
