package federation

import (
	"errors"

	"github.com/medrecnet/platform/pkg/audit"
)

// ErrAuditWrite means a required audit entry could not be written and the
// result was withheld.
var ErrAuditWrite = audit.ErrWriteFailed

var (
	ErrUnauthorized     = errors.New("caller not authorized for this patient")
	ErrInvalidReason    = errors.New("emergency access requires a reason")
	ErrBreakGlassLimit  = errors.New("emergency access limit reached")
	ErrIndexUnavailable = errors.New("patient index unavailable")
)
