package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"room-relay/domain/event"
	"room-relay/domain/idgen"
	"room-relay/errors"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 * 1024

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("peerid", func(fl validator.FieldLevel) bool {
		return idgen.IsValid(fl.Field().String())
	})
	return v
}

// RoomRequest is the body of POST /rooms and PUT /rooms/{id}.
// Every property must be present, the password may be empty.
type RoomRequest struct {
	Name        *string `json:"name" validate:"required,min=1,max=128"`
	Description *string `json:"description" validate:"required,max=1024"`
	Password    *string `json:"password" validate:"required,max=128"`
}

// SignalRequest is the body of POST /rooms/{id}/signals.
type SignalRequest struct {
	Type        event.Kind      `json:"type" validate:"required,oneof=iceCandidate negotiationOffer negotiationAnswer"`
	TargetID    string          `json:"targetId,omitempty" validate:"omitempty,peerid"`
	Candidate   json.RawMessage `json:"candidate,omitempty" validate:"required_if=Type iceCandidate"`
	Description json.RawMessage `json:"description,omitempty" validate:"required_unless=Type iceCandidate"`
}

func ValidateRoom(req RoomRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("room: %v: %w", err, errors.ErrValidation)
	}
	return nil
}

func ValidateSignal(req SignalRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("signal: %v: %w", err, errors.ErrValidation)
	}
	return nil
}

// ParseRoom reads a room body without validating it. Unknown properties are rejected.
func ParseRoom(body io.Reader) (RoomRequest, error) {
	var req RoomRequest
	err := decodeStrict(body, &req)
	return req, err
}

// ParseSignal reads a signal body without validating it. Unknown properties are rejected.
func ParseSignal(body io.Reader) (SignalRequest, error) {
	var req SignalRequest
	err := decodeStrict(body, &req)
	return req, err
}

func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed body: %v: %w", err, errors.ErrValidation)
	}
	return nil
}
