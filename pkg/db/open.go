package db

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"
)

// OpenDb opens the badger ledger under <dataDir>/db, creating the directory if needed.
func OpenDb(logger *zap.Logger, dataDir *string) *Database {
	dbPath := path.Join(*dataDir, "db")
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		logger.Fatal("failed to create database directory", zap.Error(err))
	}
	db, err := Open(dbPath, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	return db
}

// OpenLedger opens the ledger named by url. A postgres:// or postgresql:// URL selects the PostgreSQL ledger; an empty
// url selects the badger ledger under dataDir. Any other URL is an error.
func OpenLedger(logger *zap.Logger, url string, dataDir *string) (Ledger, error) {
	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		l, err := OpenPostgres(url)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		logger.Info("using postgres ledger")
		return l, nil
	case url != "":
		return nil, fmt.Errorf("unsupported ledger URL %q: only postgres:// and postgresql:// are supported", url)
	case dataDir == nil || *dataDir == "":
		return nil, errors.New("no ledger URL and no data directory given")
	}

	logger.Info("using badger ledger", zap.String("dataDir", *dataDir))
	return OpenDb(logger, dataDir), nil
}
