// Package failure is the error taxonomy of the authorize-then-transfer flow.
//
// Every failure is terminal for the attempt that produced it. Callers branch on
// Kind (via KindOf or Is) and retry, if at all, with a fresh transfer intent.
package failure

import "errors"

type Kind string

const (
	KindValidation              Kind = "Validation"
	KindKernelUnavailable       Kind = "KernelUnavailable"
	KindKernelResponseMalformed Kind = "KernelResponseMalformed"
	KindAuthorizationMismatch   Kind = "AuthorizationMismatch"
	KindRiskDenied              Kind = "RiskDenied"
	KindChainSubmission         Kind = "ChainSubmission"
)

// Error is the structured failure type. Message is for humans; Reason carries
// the on-chain revert string or the risk decision's reason when one exists.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Reason != "" && e.Reason != msg {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func WithReason(kind Kind, msg, reason string) error {
	return &Error{Kind: kind, Message: msg, Reason: reason}
}

func Validation(msg string) error {
	return New(KindValidation, msg)
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the revert or decision reason carried by err, if any.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
