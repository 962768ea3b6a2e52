package telemetry

import "errors"

var (
	// ErrUnknownKind is returned for an event kind outside the supported set.
	ErrUnknownKind = errors.New("telemetry: unknown kind")
	// ErrMalformedPayload is returned when a payload misses a field required by its kind.
	ErrMalformedPayload = errors.New("telemetry: malformed payload")
)
