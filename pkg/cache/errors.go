package cache

import (
	"fmt"
)

// ValidationError reports a malformed key, level, or TTL. It is returned
// before any store access happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ProducerError wraps a failure from a caller-supplied producer callback.
// Remember propagates it to the caller; warming records it per item and
// continues the batch.
type ProducerError struct {
	Key string
	Err error
}

func (e ProducerError) Error() string {
	return fmt.Sprintf("producer for %s failed: %v", e.Key, e.Err)
}

func (e ProducerError) Unwrap() error {
	return e.Err
}
