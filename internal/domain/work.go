package domain

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Well-known work types.
const (
	WorkTypeExecuteJob         = "execute-job"
	WorkTypeMessageCorrelation = "message-correlation"
	WorkTypeExecuteFlowNode    = "execute-flow-node"
)

// Parameter keys of the well-known work types.
const (
	ParamJobID             = "job_id"
	ParamJobName           = "job_name"
	ParamJobImplementation = "job_implementation"
	ParamJobParameters     = "job_parameters"
	ParamScheduledAt       = "scheduled_at"
	ParamMessageInstanceID = "message_instance_id"
	ParamWaitingEventID    = "waiting_event_id"
	ParamFlowNodeID        = "flow_node_instance_id"
)

// WorkDescriptor is a unit of deferred execution. It is immutable once
// built: With returns a modified copy. Parameter values must survive a JSON
// round trip when the work crosses nodes.
type WorkDescriptor struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	TenantID   TenantID       `json:"tenant_id"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}

func NewWorkDescriptor(workType string, tenant TenantID) WorkDescriptor {
	return WorkDescriptor{
		ID:         uuid.New(),
		Type:       workType,
		TenantID:   tenant,
		Parameters: map[string]any{},
		CreatedAt:  time.Now().UTC(),
	}
}

// With returns a copy of w carrying key=value.
func (w WorkDescriptor) With(key string, value any) WorkDescriptor {
	params := make(map[string]any, len(w.Parameters)+1)
	maps.Copy(params, w.Parameters)
	params[key] = value
	w.Parameters = params
	return w
}

func (w WorkDescriptor) Lookup(key string) (any, bool) {
	v, ok := w.Parameters[key]
	return v, ok
}

// Get returns the parameter value. A missing key is a programming error and
// panics.
func (w WorkDescriptor) Get(key string) any {
	v, ok := w.Parameters[key]
	if !ok {
		panic(fmt.Sprintf("work %s (%s): missing parameter %q", w.ID, w.Type, key))
	}
	return v
}

// String returns a string parameter, panicking when it is missing or not a
// string.
func (w WorkDescriptor) String(key string) string {
	s, ok := w.Get(key).(string)
	if !ok {
		panic(fmt.Sprintf("work %s (%s): parameter %q is not a string", w.ID, w.Type, key))
	}
	return s
}

// UUID parses a parameter stored as a UUID string.
func (w WorkDescriptor) UUID(key string) uuid.UUID {
	id, err := uuid.Parse(w.String(key))
	if err != nil {
		panic(fmt.Sprintf("work %s (%s): parameter %q is not a uuid: %v", w.ID, w.Type, key, err))
	}
	return id
}

// Map returns a nested map parameter. A nil value yields an empty map.
func (w WorkDescriptor) Map(key string) map[string]any {
	switch v := w.Get(key).(type) {
	case map[string]any:
		return v
	case nil:
		return map[string]any{}
	default:
		panic(fmt.Sprintf("work %s (%s): parameter %q is not a map", w.ID, w.Type, key))
	}
}

// Time parses a parameter stored as an RFC 3339 timestamp.
func (w WorkDescriptor) Time(key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, w.String(key))
	if err != nil {
		panic(fmt.Sprintf("work %s (%s): parameter %q is not a timestamp: %v", w.ID, w.Type, key, err))
	}
	return t
}
