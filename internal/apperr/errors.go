package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. Callers match on it with errors.Is against
// the exported sentinels below.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindInsufficientStock
	KindStockBelowReserved
	KindInvalidConsumption
	KindInvalidTransition
	KindTransitionAborted
	KindContention
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindStockBelowReserved:
		return "stock_below_reserved"
	case KindInvalidConsumption:
		return "invalid_consumption"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindTransitionAborted:
		return "transition_aborted"
	case KindContention:
		return "contention"
	case KindStorageUnavailable:
		return "storage_unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether the runner may retry an operation failing with k.
func (k Kind) Retryable() bool {
	return k == KindContention
}

type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.Contention)
// works regardless of message and detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy of e carrying an extra detail field.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Detail = make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		cp.Detail[k] = v
	}
	cp.Detail[key] = value
	return &cp
}

var (
	Validation         = &Error{Kind: KindValidation}
	NotFound           = &Error{Kind: KindNotFound}
	InsufficientStock  = &Error{Kind: KindInsufficientStock}
	StockBelowReserved = &Error{Kind: KindStockBelowReserved}
	InvalidConsumption = &Error{Kind: KindInvalidConsumption}
	InvalidTransition  = &Error{Kind: KindInvalidTransition}
	TransitionAborted  = &Error{Kind: KindTransitionAborted}
	Contention         = &Error{Kind: KindContention}
	StorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NewValidation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NewNotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Aborted wraps the stock-side failure that rolled a transition back.
func Aborted(event string, cause error) *Error {
	e := Wrap(KindTransitionAborted, cause, "transition %q aborted", event)
	var inner *Error
	if errors.As(cause, &inner) {
		e.Detail = map[string]any{"cause": inner.Kind.String()}
		for k, v := range inner.Detail {
			e.Detail[k] = v
		}
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
