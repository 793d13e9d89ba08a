package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured indicates the backend client or pool was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrStoreUnavailable marks connection and authorisation failures talking to the store.
	ErrStoreUnavailable = errors.New("storage: store unavailable")
	// ErrRejected marks requests the store refused as invalid; resending them cannot succeed.
	ErrRejected = errors.New("storage: request rejected")
)

// PartialWriteError reports items the store still refused after every resubmission.
type PartialWriteError struct {
	Keys     []string
	Attempts int
	Written  int
}

func (e *PartialWriteError) Error() string {
	if len(e.Keys) == 0 {
		return fmt.Sprintf("storage: partial write after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("storage: %d items unprocessed after %d attempts (first %s)", len(e.Keys), e.Attempts, e.Keys[0])
}

// PartialReadError reports keys the store did not return after every resubmission.
type PartialReadError struct {
	Keys     []string
	Attempts int
}

func (e *PartialReadError) Error() string {
	if len(e.Keys) == 0 {
		return fmt.Sprintf("storage: partial read after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("storage: %d keys unprocessed after %d attempts (first %s)", len(e.Keys), e.Attempts, e.Keys[0])
}

// IsPartial reports whether err is a partial read or write.
func IsPartial(err error) bool {
	var pw *PartialWriteError
	var pr *PartialReadError
	return errors.As(err, &pw) || errors.As(err, &pr)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func rejected(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRejected, op, err)
}
