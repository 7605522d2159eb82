package nse

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// ConnectivityError reports that the upstream could not be reached, timed
// out, or rejected the cookie bootstrap.
type ConnectivityError struct {
	URL    string
	Status int
	Err    error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nse: connectivity failure for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("nse: connectivity failure for %s: status %d", e.URL, e.Status)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// FetchError reports a non-success HTTP status from the data endpoint.
type FetchError struct {
	URL    string
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("nse: fetch %s returned status %d", e.URL, e.Status)
}

// ParseError reports a body that is not a JSON object. Snippet holds the
// leading characters of the raw body.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("nse: malformed option chain payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsSessionRejected reports whether err means the upstream no longer accepts
// the current session cookies.
func IsSessionRejected(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Status == http.StatusUnauthorized || fetchErr.Status == http.StatusForbidden
	}
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// snippet returns at most n characters of body. Invalid UTF-8 is kept byte
// for byte.
func snippet(body []byte, n int) string {
	if n <= 0 || len(body) == 0 {
		return ""
	}
	if utf8.RuneCount(body) <= n {
		return string(body)
	}
	i, count := 0, 0
	for i < len(body) && count < n {
		_, size := utf8.DecodeRune(body[i:])
		i += size
		count++
	}
	return string(body[:i])
}
