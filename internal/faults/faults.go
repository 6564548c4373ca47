// Package faults defines the controller's error taxonomy. Every failure that
// crosses a component boundary is wrapped in an *Error carrying a Kind, so the
// control loop can decide between skipping a cycle, degrading, or falling back
// to the safe profile without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a controller failure.
type Kind int

const (
	KindUnknown Kind = iota
	// SourceUnavailable: the metrics pull failed or timed out. The cycle is
	// skipped and the previous state kept.
	SourceUnavailable
	// ClassificationAmbiguous: no rule matched and the resource heuristic had
	// nothing to work with. The entity defaults to the standard tier.
	ClassificationAmbiguous
	// PersistenceCorrupt: stored state could not be decoded. Load falls back
	// to the safe default.
	PersistenceCorrupt
	// PersistenceUnavailable: the storage medium itself is unusable. The loop
	// continues in memory-only mode.
	PersistenceUnavailable
	// PublishFailed: the collection agent rejected or never received the
	// profile document.
	PublishFailed
	// ThrashingDetected: the guard pinned the safe profile and suspended
	// automatic transitions.
	ThrashingDetected
)

func (k Kind) String() string {
	switch k {
	case SourceUnavailable:
		return "source_unavailable"
	case ClassificationAmbiguous:
		return "classification_ambiguous"
	case PersistenceCorrupt:
		return "persistence_corrupt"
	case PersistenceUnavailable:
		return "persistence_unavailable"
	case PublishFailed:
		return "publish_failed"
	case ThrashingDetected:
		return "thrashing_detected"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They carry no cause and match any *Error of the
// same Kind.
var (
	ErrSourceUnavailable       = &Error{Kind: SourceUnavailable}
	ErrClassificationAmbiguous = &Error{Kind: ClassificationAmbiguous}
	ErrPersistenceCorrupt      = &Error{Kind: PersistenceCorrupt}
	ErrPersistenceUnavailable  = &Error{Kind: PersistenceUnavailable}
	ErrPublishFailed           = &Error{Kind: PublishFailed}
	ErrThrashingDetected       = &Error{Kind: ThrashingDetected}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
