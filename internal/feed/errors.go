package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport means the push channel is unreachable. It degrades the
	// feed to pull-only and is never fatal.
	ErrTransport = errors.New("event channel unavailable")
	// ErrFetch means a page could not be retrieved, including the fallback.
	ErrFetch = errors.New("page fetch failed")
	// ErrMutationRejected means the server declined an optimistic action.
	ErrMutationRejected = errors.New("mutation rejected")
	// ErrMalformedEvent marks a push frame that could not be normalized.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrStaleFetch marks a page result that arrived after the cursor was
	// reset for another filter; it must be discarded.
	ErrStaleFetch = errors.New("stale page result")
)

// FetchError is a page retrieval failure surfaced to the viewer.
type FetchError struct {
	Filter   Filter
	Page     int
	FellBack bool
	Err      error
}

func (e *FetchError) Error() string {
	if e.FellBack {
		return fmt.Sprintf("could not load page %d of %s feed (fallback to %s also failed): %v", e.Page, e.Filter, DefaultFilter, e.Err)
	}
	return fmt.Sprintf("could not load page %d of %s feed: %v", e.Page, e.Filter, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFetch) match any FetchError.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// MutationRejectedError is a server refusal of a mutation.
type MutationRejectedError struct {
	Action string
	ItemID string
	Reason string
	Status int
}

func (e *MutationRejectedError) Error() string {
	msg := fmt.Sprintf("%s was rejected", e.Action)
	if e.ItemID != "" {
		msg = fmt.Sprintf("%s of %s was rejected", e.Action, e.ItemID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is makes errors.Is(err, ErrMutationRejected) match any MutationRejectedError.
func (e *MutationRejectedError) Is(target error) bool { return target == ErrMutationRejected }
