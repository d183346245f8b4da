package db

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// The cursor is the highest chain A block whose lock events have all been dispatched and settled (or discarded).
var cursorKey = []byte("RELAYER:CURSOR:V1")

func (d *Database) GetCursor() (uint64, error) {
	var block uint64
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("cursor has invalid length %d", len(val))
			}
			block = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrCursorNotFound
	}
	if err != nil {
		return 0, &DBError{Op: OpRead, Key: cursorKey, Err: err}
	}
	return block, nil
}

func (d *Database) StoreCursor(block uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, block)
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey, val)
	}); err != nil {
		return &DBError{Op: OpUpdate, Key: cursorKey, Err: err}
	}
	return nil
}
