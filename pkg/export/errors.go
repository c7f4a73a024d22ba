package export

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

var (
	// ErrInvalidTransition is returned by an evolve operation the state table forbids
	ErrInvalidTransition = errors.New("invalid export job transition")

	// ErrJobNotFound is returned for unknown jobs and for jobs the caller may not see
	ErrJobNotFound = errcode.New(errcode.ExportNotFound, "export job not found")

	// ErrTooLarge is returned when a request matches more than the record limit
	ErrTooLarge = errcode.New(errcode.ExportTooLarge, "export matches too many records")

	// ErrRateLimited is the code carried by RateLimitError
	ErrRateLimited = errcode.New(errcode.RateLimitExceeded, "export rate limit exceeded")
)

// RateLimitError rejects a request over the per-actor export quota
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("export rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
