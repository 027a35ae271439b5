package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrDuplicateParameter = errors.New("duplicate job parameter")

// JobDescriptor describes what business logic a trigger runs.
type JobDescriptor struct {
	ID       uuid.UUID
	TenantID TenantID

	Name           string // unique within the tenant's job group
	Implementation string // identifier of the registered job implementation
	Description    string

	CreatedAt time.Time
}

type JobParameter struct {
	Key   string
	Value any
}

// ValidateParameters rejects empty and duplicate keys.
func ValidateParameters(params []JobParameter) error {
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if p.Key == "" {
			return fmt.Errorf("job parameter: empty key")
		}
		if _, ok := seen[p.Key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateParameter, p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	return nil
}

// ParameterMap flattens parameters into the form carried by a work descriptor.
func ParameterMap(params []JobParameter) map[string]any {
	m := make(map[string]any, len(params))
	for _, p := range params {
		m[p.Key] = p.Value
	}
	return m
}
