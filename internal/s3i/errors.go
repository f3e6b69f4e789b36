package s3i

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/starford/rhizocam/internal/apperr"
)

var (
	// ErrAuthentication is returned when no token can be obtained from the identity provider.
	ErrAuthentication = errors.New("s3i: authentication failed")
	// ErrInvalidCredentials is returned when the identity provider rejects the client credentials.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid client credentials", ErrAuthentication)
)

// Error describes a failed call to the identity provider or broker.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := "s3i: " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause. Transport failures and 5xx/429 responses also
// match apperr.ErrConnection so that callers retry them.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests {
		errs = append(errs, apperr.ErrConnection)
	}
	return errs
}
