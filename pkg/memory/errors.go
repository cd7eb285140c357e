package memory

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch reports vectors of different lengths reaching the same
// index. It means the embedder and index are misconfigured, not bad data, and
// it aborts the turn.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// StorageError wraps any failure of the backing store. A turn that hits one
// is aborted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// RetrievalError wraps embedding or index failures. Callers degrade to
// recency-only context instead of aborting.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("memory retrieval %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsRetrievalError reports whether err should degrade retrieval to recent
// memory rather than abort the turn. A dimension mismatch is not one.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}
