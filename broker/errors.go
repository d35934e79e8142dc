package broker

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Link errors
	ErrLinkClosed         = errors.New("broker: link is closed")
	ErrLinkNotReady       = errors.New("broker: link not ready")
	ErrMaxRetriesExceeded = errors.New("broker: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("broker: connection timeout")

	// Channel errors
	ErrChannelPoolClosed     = errors.New("broker: channel pool is closed")
	ErrChannelPoolExhausted  = errors.New("broker: channel pool exhausted")
	ErrChannelCreationFailed = errors.New("broker: failed to create channel")

	// Publish errors
	ErrConfirmModeDisabled = errors.New("broker: channel is not in confirm mode")
	ErrPublishNacked       = errors.New("broker: publish nacked by broker")

	ErrInvalidConfiguration = errors.New("broker: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("broker connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("broker connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("broker channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err means the link gave up and will not come back
// on its own.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMaxRetriesExceeded) ||
		errors.Is(err, ErrLinkClosed) ||
		errors.Is(err, ErrInvalidConfiguration)
}

// SanitizeURL removes the password from an AMQP URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
