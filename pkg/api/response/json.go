// Package response writes the inspection API's JSON replies.
package response

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
)

// encodeFailure is sent when a payload cannot be marshaled. It is static so
// that writing it cannot fail the same way.
const encodeFailure = `{"error":{"code":"INTERNAL_SERVER_ERROR","message":"failed to encode response"}}` + "\n"

// JSON writes data with the given status. The payload is encoded before any
// header goes out, so an encoding failure still produces a clean 500.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	var body []byte
	if data != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(data); err != nil {
			statusCode = http.StatusInternalServerError
			body = []byte(encodeFailure)
		} else {
			body = buf.Bytes()
		}
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if body != nil {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(statusCode)
	if body != nil {
		_, _ = w.Write(body)
	}
}

// Error writes an ErrorResponse.
func Error(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	JSON(w, statusCode, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}})
}
