package backend

import (
	"errors"
	"fmt"
)

// Kind classifies a failed upstream request.
type Kind int

const (
	// KindNetwork means the upstream could not be reached at all.
	KindNetwork Kind = iota + 1
	// KindTimeout means no response arrived within the request budget.
	KindTimeout
	// KindUpstream means the upstream answered with an error status.
	KindUpstream
	// KindCanceled means the caller gave up on the request.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindUpstream:
		return "upstream"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Sentinels matched by errors.Is against a *FetchError of the same kind.
var (
	ErrNetwork  = errors.New("upstream unreachable")
	ErrTimeout  = errors.New("upstream timed out")
	ErrUpstream = errors.New("upstream error status")
	ErrCanceled = errors.New("upstream request canceled")
)

// FetchError is returned by every Client method on failure. Message is
// meant to be shown to the user as is.
type FetchError struct {
	Kind    Kind
	Op      string
	Status  int // HTTP status for KindUpstream, 0 otherwise
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindTimeout:
		return ErrTimeout
	case KindUpstream:
		return ErrUpstream
	case KindCanceled:
		return ErrCanceled
	}
	return nil
}

// KindOf returns the classification of err, or 0 when err is not a
// *FetchError.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
