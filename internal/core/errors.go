package core

import (
	"fmt"

	"github.com/docuvault/doclease/internal/storage"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
	// Held is the competing active lock for lock_held failures.
	Held *storage.Lock
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}
