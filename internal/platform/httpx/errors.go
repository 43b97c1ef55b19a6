package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layers.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnknownRole     = errors.New("unknown role")
	ErrForbidden       = errors.New("forbidden")
)

// SQLSTATEs mirrored into problem documents for failures the gate would
// report on the wire.
const (
	stateInvalidAuthorization  = "28000"
	stateInsufficientPrivilege = "42501"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownRole):
		ProblemState(w, http.StatusNotFound, "Unknown Role", err.Error(), stateInvalidAuthorization)
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnauthenticated):
		ProblemState(w, http.StatusUnauthorized, "Unauthorized", err.Error(), stateInvalidAuthorization)
	case errors.Is(err, ErrForbidden):
		ProblemState(w, http.StatusForbidden, "Forbidden", err.Error(), stateInsufficientPrivilege)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
