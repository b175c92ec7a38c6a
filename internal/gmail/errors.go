package gmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrInvalidGrant means the refresh token was revoked or expired; the user must reconnect.
	ErrInvalidGrant = errors.New("gmail: oauth grant is invalid or revoked")
	// ErrCursorExpired means the history id is too old (or unusable) to list changes from.
	ErrCursorExpired = errors.New("gmail: history cursor expired")
	// ErrMessageNotFound means the message was deleted between listing and fetching.
	ErrMessageNotFound = errors.New("gmail: message not found")
	// ErrRateLimited means the user or project quota was exhausted.
	ErrRateLimited = errors.New("gmail: rate limited")
	// ErrUnavailable covers 5xx responses, timeouts and network failures.
	ErrUnavailable = errors.New("gmail: service unavailable")
)

// Error is a classified provider failure.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gmail %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is worth retrying later unchanged.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// classify wraps err with the kind the caller acts on. notFound is the kind a
// 404 maps to for this operation, or nil when a 404 is not expected.
func classify(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("gmail %s: %w", op, err)
	}

	wrap := func(kind error) error {
		return &Error{Op: op, Kind: kind, Err: err}
	}

	var classified *Error
	if errors.As(err, &classified) {
		return wrap(classified.Kind)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch {
		case retrieveErr.ErrorCode == "invalid_grant":
			return wrap(ErrInvalidGrant)
		case retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError:
			return wrap(ErrUnavailable)
		}
		return fmt.Errorf("gmail %s: token refresh failed: %w", op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusBadRequest && mentionsInvalidGrant(apiErr):
			return wrap(ErrInvalidGrant)
		case apiErr.Code == http.StatusUnauthorized:
			return wrap(ErrInvalidGrant)
		case apiErr.Code == http.StatusNotFound && notFound != nil:
			return wrap(notFound)
		case apiErr.Code == http.StatusTooManyRequests:
			return wrap(ErrRateLimited)
		case apiErr.Code == http.StatusForbidden && hasRateLimitReason(apiErr):
			return wrap(ErrRateLimited)
		case apiErr.Code >= http.StatusInternalServerError:
			return wrap(ErrUnavailable)
		}
		return fmt.Errorf("gmail %s: %w", op, err)
	}

	// x/oauth2 reports an expired token without a refresh token as a plain
	// error, which the transport then wraps in a *url.Error.
	if strings.Contains(err.Error(), "refresh token is not set") {
		return wrap(ErrInvalidGrant)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return wrap(ErrUnavailable)
	}

	return fmt.Errorf("gmail %s: %w", op, err)
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

func mentionsInvalidGrant(apiErr *googleapi.Error) bool {
	return strings.Contains(apiErr.Message, "invalid_grant") || strings.Contains(apiErr.Body, "invalid_grant")
}

func hasRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}
