package gmail

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrAuthRejected means the provider returned 401 for a token that
	// looked valid. Callers force one refresh and retry once.
	ErrAuthRejected = errors.New("gmail: authorization rejected")

	// ErrRateLimited means the provider returned 429. Retriable with
	// backoff.
	ErrRateLimited = errors.New("gmail: rate limited")

	// ErrUnavailable covers provider 5xx responses and transport
	// failures. Retriable with backoff.
	ErrUnavailable = errors.New("gmail: provider unavailable")

	// ErrMalformed means a fetched message cannot be normalized. The
	// orchestrator skips the message and continues the batch.
	ErrMalformed = errors.New("gmail: malformed message")
)

// IsRetriable reports whether an error is worth another attempt. 401s are
// excluded: retrying a rejected token without a refresh cannot succeed.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// mapError folds provider responses into the error taxonomy. Anything not
// recognized stays a plain wrapped error and is treated as fatal.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrAuthRejected, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
