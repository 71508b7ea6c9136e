// Package sfuerr defines the closed error catalogue surfaced to clients.
// Internal errors never leak raw text; everything funnels through Normalize.
package sfuerr

import (
	"errors"
	"fmt"
)

// ClientError is a catalogue entry with the numeric code and textual
// reason sent to clients.
type ClientError struct {
	Code   int
	Reason string
}

func (e ClientError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Reason, e.Code)
}

var (
	MediaServerOffline = ClientError{Code: 2000, Reason: "MEDIA_SERVER_OFFLINE"}
	NegotiationFailed  = ClientError{Code: 2100, Reason: "NEGOTIATION_FAILED"}
	InvalidRequest     = ClientError{Code: 2200, Reason: "SFU_INVALID_REQUEST"}
	PermissionDenied   = ClientError{Code: 2210, Reason: "PERMISSION_DENIED"}
	MediaTimeout       = ClientError{Code: 2211, Reason: "MEDIA_TIMEOUT"}
)

// Wrap attaches a catalogue entry to an internal cause. The cause stays in
// the error text for logs and is reachable through errors.Is/errors.As;
// only the entry reaches the client.
func Wrap(entry ClientError, cause error) error {
	if cause == nil {
		return entry
	}
	return fmt.Errorf("%w: %w", entry, cause)
}

// Normalize maps an arbitrary error to its catalogue entry. Errors with no
// entry attached become NEGOTIATION_FAILED, the catch-all for MCS RPC
// failures during start.
func Normalize(err error) ClientError {
	var ce ClientError
	if errors.As(err, &ce) {
		return ce
	}
	return NegotiationFailed
}
