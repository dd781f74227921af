package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is returned for payloads that cannot be encoded or decoded.
var ErrInvalidPayload = errors.New("invalid task payload")

// PayloadKind tags the variant carried by a Payload.
type PayloadKind string

// KindFetch asks the worker to harvest the page at URL.
const KindFetch PayloadKind = "fetch"

// Payload is the tagged unit of work stored inside a Task.
type Payload struct {
	Kind PayloadKind `json:"kind" validate:"required,oneof=fetch"`
	URL  string      `json:"url" validate:"required"`
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// FetchPayload builds a fetch payload for rawURL.
func FetchPayload(rawURL string) Payload {
	return Payload{Kind: KindFetch, URL: strings.TrimSpace(rawURL)}
}

// Validate checks the payload variant and its fields.
func (p Payload) Validate() error {
	if err := payloadValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// Encode validates and serializes the payload.
func (p Payload) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return data, nil
}

// DecodePayload parses and validates a stored payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
