package fieldsync

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

type ErrorKind string

const (
	KindNetworkOffline ErrorKind = "network_offline"
	KindNetworkTimeout ErrorKind = "network_timeout"
	KindAuthExpired    ErrorKind = "authentication_expired"
	KindDatabase       ErrorKind = "database_error"
	KindConcurrentEdit ErrorKind = "concurrent_edit"
	KindUnknown        ErrorKind = "unknown"
)

func (k ErrorKind) String() string {
	return string(k)
}

// Retryable reports whether failures of this kind may be retried
// automatically. Everything else needs explicit user action.
func Retryable(kind ErrorKind) bool {
	return kind == KindNetworkTimeout || kind == KindUnknown
}

// Classify maps a raw failure to the error taxonomy. Offline dominates:
// while the network is down every failure is network_offline no matter
// what the underlying error says.
func Classify(err error, online bool) ErrorKind {
	if !online {
		return KindNetworkOffline
	}
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrSaveInFlight) || errors.Is(err, ErrVersionConflict) {
		return KindConcurrentEdit
	}
	if errors.Is(err, ErrAuthExpired) {
		return KindAuthExpired
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTimeout
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden:
			return KindAuthExpired
		case httpErr.StatusCode == http.StatusRequestTimeout || httpErr.StatusCode == http.StatusGatewayTimeout:
			return KindNetworkTimeout
		case httpErr.StatusCode >= 500:
			return KindDatabase
		}
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return KindNetworkTimeout
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "token expired") || strings.Contains(msg, "session expired") || strings.Contains(msg, "authentication"):
		return KindAuthExpired
	case strings.Contains(msg, "pq:") || strings.Contains(msg, "database") || strings.Contains(msg, "sql") || strings.Contains(msg, "constraint") || strings.Contains(msg, "deadlock"):
		return KindDatabase
	}
	return KindUnknown
}
