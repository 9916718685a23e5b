package api

import (
	"errors"
	"net/http"

	"github.com/davidahmann/truemoneyx/internal/auth"
	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/pkg/types"
)

// OutcomeFor maps the error that ended a transfer to the receipt outcome.
func OutcomeFor(err error) types.OutcomeStatus {
	if err == nil {
		return types.OutcomeConfirmed
	}
	switch failure.KindOf(err) {
	case failure.KindRiskDenied:
		return types.OutcomeRiskDenied
	case failure.KindAuthorizationMismatch:
		return types.OutcomeAuthorizationMismatch
	case failure.KindKernelUnavailable, failure.KindKernelResponseMalformed:
		return types.OutcomeKernelFailed
	default:
		return types.OutcomeSubmissionFailed
	}
}

// ErrorCode is the stable machine-readable code for err.
func ErrorCode(err error) string {
	if errors.Is(err, auth.ErrMissingBearer) || errors.Is(err, auth.ErrInvalidToken) {
		return "unauthorized"
	}
	switch failure.KindOf(err) {
	case failure.KindValidation:
		return "validation_failed"
	case failure.KindKernelUnavailable:
		return "kernel_unavailable"
	case failure.KindKernelResponseMalformed:
		return "kernel_response_malformed"
	case failure.KindAuthorizationMismatch:
		return "authorization_mismatch"
	case failure.KindRiskDenied:
		return "risk_denied"
	case failure.KindChainSubmission:
		return "chain_submission_failed"
	default:
		return "internal_error"
	}
}

func HTTPStatus(err error) int {
	if errors.Is(err, auth.ErrMissingBearer) || errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized
	}
	switch failure.KindOf(err) {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindRiskDenied:
		return http.StatusForbidden
	case failure.KindAuthorizationMismatch:
		return http.StatusUnprocessableEntity
	case failure.KindKernelUnavailable, failure.KindKernelResponseMalformed, failure.KindChainSubmission:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
