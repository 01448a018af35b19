package ingest

import (
	"errors"
	"fmt"

	"github.com/nicktill/fpcollect/pkg/fingerprint"
)

// Submission limits
const (
	MaxBodyBytes = 500000 // Default ceiling on a raw submission body

	// SyntheticTokenPrefix marks server-minted session tokens. Client tokens
	// carrying it are replaced so the two spaces never meet.
	SyntheticTokenPrefix = "NoCookie_"
)

var (
	// ErrTooLarge is returned when a body exceeds the size ceiling
	ErrTooLarge = errors.New("submission body too large")

	// ErrRateLimited is returned when the source is throttled
	ErrRateLimited = errors.New("source rate limited")

	// ErrDuplicateSession marks an idempotent resubmission
	ErrDuplicateSession = errors.New("session already submitted")

	// ErrMalformedBody is returned when the body is unusable
	ErrMalformedBody = fingerprint.ErrMalformedBody

	// ErrQueryRateLimited is returned when compile queries arrive too fast
	ErrQueryRateLimited = errors.New("too many compile queries")
)

// Reason says why a submission was not accepted
type Reason int

const (
	ReasonNone Reason = iota
	RateLimited
	TooLarge
	DuplicateSession
	MalformedBody
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case RateLimited:
		return "rate_limited"
	case TooLarge:
		return "too_large"
	case DuplicateSession:
		return "duplicate_session"
	case MalformedBody:
		return "malformed_body"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Err returns the sentinel matching r, or nil for ReasonNone
func (r Reason) Err() error {
	switch r {
	case RateLimited:
		return ErrRateLimited
	case TooLarge:
		return ErrTooLarge
	case DuplicateSession:
		return ErrDuplicateSession
	case MalformedBody:
		return ErrMalformedBody
	default:
		return nil
	}
}
