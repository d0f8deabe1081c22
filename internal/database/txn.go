package database

import (
	"database/sql"
	"fmt"
)

// WithTransaction executes a function within a database transaction.
// It handles begin, commit, rollback, panic recovery, and error wrapping automatically.
// If the function returns an error or panics, the transaction is rolled back.
// If the function succeeds, the transaction is committed.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Defer rollback with panic recovery.
	// Named return variable captures the panic value.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(tx)
	return err
}

// WithSavepoint executes a function inside a named SQLite savepoint on an
// already open transaction. If the function returns an error or panics, the
// savepoint is rolled back and released, undoing every statement issued
// inside fn while leaving the outer transaction usable. On success the
// savepoint is released (merged into the outer transaction).
//
// Helpers called inside fn must never commit; only the outermost
// WithTransaction commits.
func WithSavepoint(tx *sql.Tx, name string, fn func(*sql.Tx) error) (err error) {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}

	if _, err := tx.Exec("SAVEPOINT " + name); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = tx.Exec("ROLLBACK TO SAVEPOINT " + name)
			_, _ = tx.Exec("RELEASE SAVEPOINT " + name)
			err = fmt.Errorf("panic in savepoint %s: %v", name, p)
		} else if err != nil {
			if _, rbErr := tx.Exec("ROLLBACK TO SAVEPOINT " + name); rbErr != nil {
				err = fmt.Errorf("savepoint %s failed: %w (rollback also failed: %v)", name, err, rbErr)
				return
			}
			_, _ = tx.Exec("RELEASE SAVEPOINT " + name)
		} else {
			if _, relErr := tx.Exec("RELEASE SAVEPOINT " + name); relErr != nil {
				err = fmt.Errorf("failed to release savepoint %s: %w", name, relErr)
			}
		}
	}()

	err = fn(tx)
	return err
}
