package jellyfin

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized indicates the upstream rejected our credentials and a
// single re-authentication attempt did not recover the call.
var ErrUnauthorized = errors.New("jellyfin: unauthorized")

// ErrNotFound indicates the upstream has no item with the given id.
var ErrNotFound = errors.New("jellyfin: item not found")

// StatusError wraps a non-2xx upstream response.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jellyfin: %s returned status %d", e.Op, e.Code)
}

// IsAuthStatus reports whether code is an authorization failure that the
// session should try to recover from by re-authenticating.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
