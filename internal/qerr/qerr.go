// Package qerr holds the low-level, code-tagged error used throughout the
// SDK's transport layer before it gets classified and wrapped into one of
// the errs.Class kinds in the public packages.
package qerr

// QError is a code-tagged error, the shape the Service itself returns in
// JSON error bodies ({"error": "...", "code": ...}).
type QError struct {
	Code    string
	Message string
}

func New(code, message string) *QError {
	return &QError{Code: code, Message: message}
}

func (e *QError) Error() string {
	return e.Code + ": " + e.Message
}
