package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a download failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork is transient and retried with backoff.
	KindNetwork
	// KindRedirectLoop means more redirect hops than allowed.
	KindRedirectLoop
	// KindRangeMismatch means the server ignored or misreported a range request.
	KindRangeMismatch
	// KindSizeMismatch means the server or file size disagrees with the descriptor.
	KindSizeMismatch
	// KindIncomplete means fewer bytes than expected; the partial file is kept.
	KindIncomplete
	// KindHeaderInvalid means the leading magic bytes are wrong.
	KindHeaderInvalid
	// KindHashMismatch means the digest is wrong; the partial file is deleted.
	KindHashMismatch
	// KindHTTPStatus is a non-retryable HTTP status (404, 403, ...).
	KindHTTPStatus
	// KindInsufficientSpace means the destination cannot hold the remaining bytes.
	KindInsufficientSpace
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindNetwork:           "network",
	KindRedirectLoop:      "redirect_loop",
	KindRangeMismatch:     "range_mismatch",
	KindSizeMismatch:      "size_mismatch",
	KindIncomplete:        "incomplete",
	KindHeaderInvalid:     "header_invalid",
	KindHashMismatch:      "hash_mismatch",
	KindHTTPStatus:        "http_status",
	KindInsufficientSpace: "insufficient_space",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure returned by the transfer and artifact layers.
type Error struct {
	Kind Kind
	// Op names the step that failed (probe, transfer, validate, ...).
	Op  string
	URL string
	// HTTP status when the failure came from a response.
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same attempt may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindNetwork }

// Resumable reports whether partial progress survives this failure.
func (e *Error) Resumable() bool {
	switch e.Kind {
	case KindNetwork, KindIncomplete:
		return true
	}
	return false
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusError classifies an unexpected HTTP status. 429 and 5xx are
// transient; everything else is not retried by this layer.
func StatusError(op, url string, status int) *Error {
	kind := KindHTTPStatus
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = KindNetwork
	}
	return &Error{Kind: kind, Op: op, URL: url, Status: status, Msg: http.StatusText(status)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports whether err is a transient network failure.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable()
}

// IsResumable reports whether a failed download kept usable progress.
func IsResumable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Resumable()
}
