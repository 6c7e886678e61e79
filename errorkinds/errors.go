package errorkinds

import (
	"context"
	"errors"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// The different general error types.
var (
	ErrResolution        = errors.New("radio handle could not be obtained")
	ErrOperationTimeout  = errors.New("timeout on platform operation")
	ErrOperationCanceled = errors.New("platform operation was cancelled")

	ErrAccessDenied         = errors.New("radio access denied")
	ErrAccessDeniedBySystem = fmt.Errorf("%w by system policy", ErrAccessDenied)

	ErrUnknownAdapter     = errors.New("unknown adapter")
	ErrAdapterUnavailable = errors.New("adapter is currently unavailable")

	ErrPairing                 = errors.New("pairing failed")
	ErrUnsupportedConfirmation = fmt.Errorf("%w: unsupported confirmation kind", ErrPairing)
	ErrPairingInProgress       = errors.New("a pairing operation is already in progress")

	ErrInvalidAddress = errors.New("invalid Bluetooth address")
	ErrNotSupported   = errors.New("this functionality is not supported")
)

// Wrap wraps err with the location it occurred at, a tag describing
// its kind and a user-facing message. Extra key-value pairs are attached
// as context metadata.
func Wrap(err error, errorAt string, kind ftag.Kind, msg string, kv ...string) error {
	if err == nil {
		return nil
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), append([]string{"error_at", errorAt}, kv...)...),
		ftag.With(kind),
		fmsg.With(msg),
	)
}

// Kind returns the tag attached to err.
func Kind(err error) ftag.Kind {
	return ftag.Get(err)
}
