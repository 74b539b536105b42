package chat

import (
	"errors"
	"fmt"
)

var (
	ErrMessageNotFound = errors.New("message not found")

	// ErrForbidden means the actor is not the message's author.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports a rejected message text.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
