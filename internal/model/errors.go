package model

import (
	"errors"
	"fmt"
)

// Error kinds returned by the allocator. Callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrAlreadyAttached   = errors.New("port already attached")
	ErrPortInUse         = errors.New("port in use")
	ErrNetworkInUse      = errors.New("network in use")
	ErrResourceExhausted = errors.New("transport resources exhausted")
	ErrValidation        = errors.New("validation error")
)

// AlreadyAttachedError reports a plug request on a port that already carries
// an attachment.
type AlreadyAttachedError struct {
	NetworkID  string
	PortID     string
	Requested  string
	Attachment string
}

func (e *AlreadyAttachedError) Error() string {
	return fmt.Sprintf("port %s on network %s already has attachment %s (requested %s)",
		e.PortID, e.NetworkID, e.Attachment, e.Requested)
}

func (e *AlreadyAttachedError) Is(target error) bool {
	return target == ErrAlreadyAttached
}

// Validationf builds an ErrValidation with a formatted message
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
