package harvest

import "github.com/cockroachdb/errors"

// Kind classifies adapter and encoder failures.
type Kind string

// Error kinds understood by the controller and retry policy.
const (
	KindNone           Kind = ""
	KindTransient      Kind = "transient"
	KindRateLimited    Kind = "rate-limited"
	KindNotFound       Kind = "not-found"
	KindBlocked        Kind = "blocked"
	KindInvalidPayload Kind = "invalid-payload"
	KindOversized      Kind = "oversized"
	KindDuplicate      Kind = "duplicate"
	KindUnfittable     Kind = "unfittable"
)

// Retryable reports whether the kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Sentinel errors, one per kind, usable with errors.Is.
var (
	ErrTransient      = errors.New("transient failure")
	ErrRateLimited    = errors.New("rate limited")
	ErrNotFound       = errors.New("not found")
	ErrBlocked        = errors.New("blocked by source")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrOversized      = errors.New("payload exceeds sink ceiling")
	ErrDuplicate      = errors.New("already stored")
	ErrUnfittable     = errors.New("payload cannot fit ceiling")
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindDuplicate, ErrDuplicate},
	{KindUnfittable, ErrUnfittable},
	{KindOversized, ErrOversized},
	{KindRateLimited, ErrRateLimited},
	{KindNotFound, ErrNotFound},
	{KindBlocked, ErrBlocked},
	{KindInvalidPayload, ErrInvalidPayload},
	{KindTransient, ErrTransient},
}

// AdapterError tags an underlying error with a Kind.
type AdapterError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap exposes the cause.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinel.
func (e *AdapterError) Is(target error) bool {
	for _, s := range kindSentinels {
		if s.kind == e.Kind {
			return target == s.err
		}
	}
	return false
}

// NewError tags err with kind for operation op. A nil err yields a bare kind error.
func NewError(kind Kind, op string, err error) error {
	return &AdapterError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kind-tagged error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &AdapterError{Kind: kind, Op: op, Err: errors.Newf(format, args...)}
}

// Classify extracts the Kind carried by err. Errors of unknown shape (network
// timeouts, deadline overruns, an adapter's own cancellation) are transient.
// Items run detached from the job context, so a cancellation seen here never
// means shutdown.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindTransient
}
