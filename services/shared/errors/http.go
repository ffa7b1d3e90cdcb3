package errors

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON body rendered for a failed request.
type Response struct {
	Code    int          `json:"code"`
	Errno   Code         `json:"errno"`
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// ToResponse builds the JSON body for the error.
func (e *Error) ToResponse() Response {
	status := e.HTTPStatusCode()
	return Response{
		Code:    status,
		Errno:   e.Code,
		Error:   http.StatusText(status),
		Message: e.Message,
		Details: e.Fields,
	}
}

// WriteJSON renders err as a JSON error response. Errors that are not *Error
// are rendered as internal errors without exposing their text.
func WriteJSON(w http.ResponseWriter, err error) {
	e := From(err)
	if e.Code == CodeInternal && e.Err != nil {
		e = Internal("internal error")
	}
	resp := e.ToResponse()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp)
}
