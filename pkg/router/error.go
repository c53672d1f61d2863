package router

import (
	"encoding/json"
	"io"
)

type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is an error response in the backend's envelope: {"message": "..."}.
type JsonError struct {
	Code    int    `json:"-"`
	Message string `json:"message"`
}

func NewJsonError(code int, message string) JsonError {
	return JsonError{
		Code:    code,
		Message: message,
	}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Message
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
