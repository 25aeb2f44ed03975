package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seawatch/subscriptions/internal/model"
)

// Dead-letter reasons.
const (
	reasonInvalidFormat   = "invalid_format"
	reasonUnmarshalError  = "unmarshal_error"
	reasonValidationError = "validation_error"
)

// decodeError explains why a stream message cannot be evaluated.
type decodeError struct {
	reason string
	detail string
}

func (e *decodeError) Error() string {
	return e.reason + ": " + e.detail
}

// decodeMessage turns a stream message into a validated event.
func decodeMessage(msg redis.XMessage) (*model.Event, *decodeError) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, &decodeError{reasonInvalidFormat, "payload field missing or not a string"}
	}

	var event model.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, &decodeError{reasonUnmarshalError, err.Error()}
	}
	if err := event.Validate(); err != nil {
		return nil, &decodeError{reasonValidationError, err.Error()}
	}
	return &event, nil
}

// enqueuedAt reads the millisecond timestamp of a stream ID.
func enqueuedAt(streamID string) (time.Time, bool) {
	ms, _, ok := strings.Cut(streamID, "-")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

// NewConsumerID creates a stable-ish consumer ID for Redis consumer groups.
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
