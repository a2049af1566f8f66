// Package queue is a reliable Redis work queue. Receiving moves a message
// into a processing list; Ack removes it, Nack returns it for redelivery
// until the receive limit is reached and then parks it on the dead-letter
// list.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a payload that can never be processed.
var ErrMalformed = errors.New("malformed message")

// Message is the payload of one unit of fan-out work.
type Message struct {
	JobID            string `json:"jobId"`
	TargetID         string `json:"targetId"`
	BatchIndex       int    `json:"batchIndex"`
	KeyRotationIndex int    `json:"keyRotationIndex"`
}

// Validate checks the fields every consumer relies on.
func (m Message) Validate() error {
	switch {
	case m.JobID == "":
		return fmt.Errorf("%w: missing jobId", ErrMalformed)
	case m.TargetID == "":
		return fmt.Errorf("%w: missing targetId", ErrMalformed)
	case m.BatchIndex < 0:
		return fmt.Errorf("%w: negative batchIndex %d", ErrMalformed, m.BatchIndex)
	case m.KeyRotationIndex < 0:
		return fmt.Errorf("%w: negative keyRotationIndex %d", ErrMalformed, m.KeyRotationIndex)
	}
	return nil
}

// Encode renders the wire form.
func (m Message) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses and validates a wire payload.
func Decode(raw string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
