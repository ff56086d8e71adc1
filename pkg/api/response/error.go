package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeUnknownWorkflow    = "UNKNOWN_WORKFLOW"
	ErrCodeSagaNotFound       = "SAGA_NOT_FOUND"
	ErrCodeJournalDisabled    = "JOURNAL_DISABLED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// Inspection API errors. Wrap them with detail; the wrapped text is shown to
// the client.
var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrJournalDisabled = errors.New("journal is disabled")
	ErrInvalidQuery    = errors.New("invalid query")
)

// Classify maps err to a status, a code and a message that is safe to return.
// Unrecognized errors become a 500 whose message hides the cause.
func Classify(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, ErrUnknownWorkflow):
		return http.StatusNotFound, ErrCodeUnknownWorkflow, err.Error()
	case errors.Is(err, saga.ErrInstanceNotFound), errors.Is(err, saga.ErrNoInstance):
		return http.StatusNotFound, ErrCodeSagaNotFound, "saga not found"
	case errors.Is(err, ErrJournalDisabled):
		return http.StatusNotFound, ErrCodeJournalDisabled, err.Error()
	case errors.Is(err, ErrInvalidQuery):
		return http.StatusBadRequest, ErrCodeBadRequest, err.Error()
	case errors.Is(err, saga.ErrVersionConflict), errors.Is(err, saga.ErrConflictRetriesExhausted):
		return http.StatusConflict, ErrCodeConflict, "saga is being updated, retry"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeGatewayTimeout, "request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "request canceled"
	default:
		return http.StatusInternalServerError, ErrCodeInternalServer, "internal server error"
	}
}

// HandleError writes the classified reply for err and returns its status.
func HandleError(w http.ResponseWriter, err error, requestID string) int {
	status, code, message := Classify(err)
	Error(w, status, code, message, requestID)
	return status
}
