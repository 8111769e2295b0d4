// Package uid provides unique identifier generation for chunkrelay.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a 32-character hex string used for temp file names and
// request ids.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
