package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "paste does not exist, has expired or has been deleted", http.StatusNotFound)
	ErrInvalidFormat      = NewErr("INVALID_FORMAT", "invalid data", http.StatusBadRequest)
	ErrInvalidID          = NewErr("INVALID_ID", "invalid paste id", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste is limited in size", http.StatusRequestEntityTooLarge)
	ErrConflict           = NewErr("CONFLICT", "id already in use", http.StatusConflict)
	ErrRateLimited        = NewErr("RATE_LIMITED", "too many requests", http.StatusTooManyRequests)
	ErrNotCreator         = NewErr("NOT_CREATOR", "Your IP is not authorized to create pastes.", http.StatusForbidden)
	ErrInvalidToken       = NewErr("INVALID_TOKEN", "wrong deletion token, paste was not deleted", http.StatusForbidden)
	ErrDiscussionClosed   = NewErr("DISCUSSION_CLOSED", "discussion is closed for this paste", http.StatusForbidden)
	ErrInvalidParent      = NewErr("INVALID_PARENT", "invalid parent comment", http.StatusBadRequest)
	ErrBackendUnavailable = NewErr("BACKEND_UNAVAILABLE", "storage temporarily unavailable", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

// Is matches on Code so that errors built with WithMsg still compare equal
// to their sentinel.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}

func (e *Err) WithMsg(msg string) *Err {
	return &Err{Code: e.Code, Msg: msg, Status: e.Status}
}

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// ValidationError reports the first envelope check that failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}
func (e *ValidationError) Cause() error  { return ErrInvalidFormat }
func (e *ValidationError) Unwrap() error { return ErrInvalidFormat }

type ErrResp struct {
	Status int       `json:"status"`
	Error  ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e := asErr(err); e != nil {
		d := ErrDetail{Code: e.Code, Msg: e.Msg}
		var ve *ValidationError
		if errors.As(err, &ve) {
			d.Meta = map[string]interface{}{"field": ve.Field}
		}
		return ErrResp{Status: 1, Error: d}
	}
	return ErrResp{Status: 1, Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	if e := asErr(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}
func asErr(err error) *Err {
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	return nil
}
