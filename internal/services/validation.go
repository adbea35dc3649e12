package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/spiritnet/gledger/internal/identity"
	"github.com/spiritnet/gledger/internal/ledger"
	"github.com/spiritnet/gledger/internal/store"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		errorResp.Details = make(map[string]string)
		for _, err := range validationErr.(validator.ValidationErrors) {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields
// and trailing content.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}

	return nil
}

// sendOperationError maps ledger and identity errors to HTTP responses.
// Policy denials and balance problems are caller errors; integrity faults
// are internal and must not leak detail.
func sendOperationError(w http.ResponseWriter, err error) {
	var denied *ledger.PolicyDeniedError
	var fault *ledger.IntegrityFaultError

	switch {
	case errors.As(err, &denied):
		SendErrorResponse(w, denied.Error(), http.StatusForbidden, nil)
	case errors.As(err, &fault):
		SendErrorResponse(w, "Internal ledger fault", http.StatusInternalServerError, nil)
	case errors.Is(err, identity.ErrPermissionNotHeld):
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case errors.Is(err, identity.ErrInvalidOrExpiredToken):
		SendErrorResponse(w, err.Error(), http.StatusUnauthorized, nil)
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrStakeNotFound), errors.Is(err, ledger.ErrOperationNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ledger.ErrVelocityLimitExceeded):
		SendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)
	case errors.Is(err, store.ErrInsufficientBalance),
		errors.Is(err, store.ErrStakeLocked),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrNoExchangeRate),
		errors.Is(err, ledger.ErrInexactConversion),
		errors.Is(err, ledger.ErrMultiSigPending):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	default:
		SendErrorResponse(w, "Failed to process operation", http.StatusInternalServerError, nil)
	}
}
