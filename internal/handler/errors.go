package handler

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
)

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodePermissionDenied, errors.ErrCodeAmountExceedsLimit:
		return http.StatusForbidden
	case errors.ErrCodeWorkflowNotFound, errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeWorkflowCompleted, errors.ErrCodeDuplicateWorkflow,
		errors.ErrCodeLevelMismatch, errors.ErrCodeConflict, errors.ErrCodeImmutableRecord:
		return http.StatusConflict
	case errors.ErrCodeIntegrityViolation:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeConversionUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeValidation:
		return codes.InvalidArgument
	case errors.ErrCodePermissionDenied, errors.ErrCodeAmountExceedsLimit:
		return codes.PermissionDenied
	case errors.ErrCodeWorkflowNotFound, errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeDuplicateWorkflow:
		return codes.AlreadyExists
	case errors.ErrCodeWorkflowCompleted, errors.ErrCodeLevelMismatch, errors.ErrCodeImmutableRecord:
		return codes.FailedPrecondition
	case errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeIntegrityViolation:
		return codes.DataLoss
	case errors.ErrCodeConversionUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// errorBody is the JSON error document. Internal errors never expose their
// cause.
func errorBody(err error) *errors.Error {
	var appErr *errors.Error
	if errors.As(err, &appErr) && appErr.Code != errors.ErrCodeInternal {
		return &errors.Error{
			Code:     appErr.Code,
			Message:  appErr.Message,
			Entity:   appErr.Entity,
			EntityID: appErr.EntityID,
			Field:    appErr.Field,
		}
	}
	return &errors.Error{Code: errors.ErrCodeInternal, Message: "internal error"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	body := errorBody(err)
	code := httpStatus(body.Code)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("Request rejected")
	}
	writeJSON(w, code, body)
}

// mapErrorToGRPC converts an application error into a gRPC status.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	body := errorBody(err)
	return status.Error(grpcCode(body.Code), body.Error())
}
