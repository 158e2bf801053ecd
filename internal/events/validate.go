package events

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Result is the outcome of structural validation. Invalid envelopes are never
// retried: retrying a structurally broken message can never succeed, so the
// governor routes them straight to the dead-letter topic with Errors attached.
type Result struct {
	IsValid bool
	Errors  []string
}

// Validator performs structural and semantic checks on inbound envelopes
// before any business logic runs.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate checks the envelope shell and, for identity.registered events, the
// typed payload. It accumulates all problems instead of stopping at the first.
func (va *Validator) Validate(env Envelope) Result {
	var errs []string

	if env.EventID == "" {
		errs = append(errs, "eventId is required")
	} else if _, err := uuid.Parse(env.EventID); err != nil {
		errs = append(errs, "eventId must be a UUID")
	}
	if env.Type == "" {
		errs = append(errs, "type is required")
	}
	if env.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	}
	if len(env.Data) == 0 {
		errs = append(errs, "data is required")
		return Result{IsValid: false, Errors: errs}
	}

	if env.Type == TypeIdentityRegistered {
		errs = append(errs, va.validateIdentityRegistered(env.Data)...)
	}

	return Result{IsValid: len(errs) == 0, Errors: errs}
}

func (va *Validator) validateIdentityRegistered(data json.RawMessage) []string {
	var payload IdentityRegistered
	if err := json.Unmarshal(data, &payload); err != nil {
		return []string{fmt.Sprintf("data is not a valid identity.registered payload: %v", err)}
	}

	var errs []string
	if err := va.v.Struct(payload); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if payload.RegisteredAt != "" {
		if _, err := payload.RegisteredTime(); err != nil {
			errs = append(errs, "registeredAt must be an ISO8601 timestamp")
		}
	}
	return errs
}

func fieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", jsonName(fe.Field()))
	case "uuid4":
		return fmt.Sprintf("%s must be a UUID v4", jsonName(fe.Field()))
	case "email":
		return fmt.Sprintf("%s must be a valid email address", jsonName(fe.Field()))
	default:
		return fmt.Sprintf("%s failed %s validation", jsonName(fe.Field()), fe.Tag())
	}
}

// fe.Field() reports the Go field name; map it back to the wire name.
func jsonName(field string) string {
	switch field {
	case "UserID":
		return "userId"
	case "Email":
		return "email"
	case "Name":
		return "name"
	case "RegisteredAt":
		return "registeredAt"
	}
	return field
}
