package engine

import (
	"errors"
	"fmt"

	"github.com/lazypower/memvault/internal/crypto"
)

var (
	// ErrNotFound is returned for unknown, deleted and reaped ids.
	ErrNotFound = errors.New("memory not found")
	// ErrForbidden is returned when a known id belongs to another agent.
	ErrForbidden = errors.New("memory belongs to another agent")
	// ErrExpired is returned for records past their expiry that the reaper
	// has not evicted yet.
	ErrExpired = errors.New("memory expired")
	// ErrStorageFull is returned by Store when the live record bound is reached.
	ErrStorageFull = errors.New("storage full")
	// ErrInvalidArgument wraps every validation failure.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDecryption is returned when a record cannot be decrypted.
	ErrDecryption = crypto.ErrDecryption
)

// errReplay aborts a commit unit whose dedup key was already used.
var errReplay = errors.New("replayed request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Status classifies err for metrics and logs.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDecryption):
		return "decryption_failure"
	case errors.Is(err, ErrStorageFull):
		return "storage_full"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	}
	return "error"
}
