package shared

import (
	"fmt"

	"github.com/obraplan/obraplan/internal/platform/httpx"
)

// Masterdata errors reuse the transport sentinels so handlers can hand
// them straight to httpx.RespondError.
var (
	ErrNotFound      = httpx.ErrNotFound
	ErrDuplicate     = httpx.ErrDuplicate
	ErrValidation    = httpx.ErrValidation
	ErrInvalidID     = fmt.Errorf("%w: invalid id", httpx.ErrValidation)
	ErrRequiredField = fmt.Errorf("%w: required field", httpx.ErrValidation)
)
