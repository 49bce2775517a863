package router

import (
	"errors"
	"fmt"

	"chargewatch/internal/station"
	"chargewatch/internal/subscription"
)

var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnauthorized     = errors.New("unauthorized")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedCommand, fmt.Sprintf(format, args...))
}

// replyForError maps a handler error to the text shown to the user.
func (r *Router) replyForError(err error, prefix string) string {
	help := fmt.Sprintf("Send '%s help' for usage.", prefix)
	switch {
	case errors.Is(err, subscription.ErrInvalidThreshold):
		return fmt.Sprintf("The free-slot threshold must be between 1 and %d.", r.config().MaxThreshold)
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, station.ErrUnknownStation):
		return "Not found: " + errDetail(err) + "\n" + help
	case errors.Is(err, ErrUnauthorized):
		return "Only operators can use this command."
	case errors.Is(err, ErrMalformedCommand):
		return errDetail(err) + "\n" + help
	default:
		return "Something went wrong, please try again later."
	}
}

// errDetail strips the sentinel prefix from a wrapped error message.
func errDetail(err error) string {
	msg := err.Error()
	for _, s := range []error{ErrMalformedCommand, subscription.ErrNotFound, station.ErrUnknownStation} {
		if p := s.Error() + ": "; len(msg) > len(p) && msg[:len(p)] == p {
			return msg[len(p):]
		}
	}
	return msg
}
