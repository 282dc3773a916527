package worker

import (
	"errors"
	"fmt"

	"imagepipe/pkg/api"
)

// Kind classifies a failure for logging and policy decisions.
type Kind int

const (
	KindUnclassified Kind = iota
	KindTransport
	KindExternalPlatform
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindExternalPlatform:
		return "external_platform"
	case KindParse:
		return "parse"
	default:
		return "unclassified"
	}
}

// Error wraps a failure with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps a queue or bus failure.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// ExternalPlatform wraps a build platform, registry or scanner failure.
func ExternalPlatform(op string, err error) error {
	return &Error{Kind: KindExternalPlatform, Op: op, Err: err}
}

// Parse wraps a payload or tool output that could not be understood.
func Parse(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	if api.IsDecodeError(err) {
		return KindParse
	}
	return KindUnclassified
}
