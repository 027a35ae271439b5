package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageInstance is a fired "throw" message event. Handled flips
// false->true exactly once, by the correlator.
type MessageInstance struct {
	ID       uuid.UUID
	TenantID TenantID

	Name              string
	CorrelationValues []string
	Handled           bool

	CreatedAt time.Time
}

// WaitingEvent is a registered "catch" message consumer. Active flips
// true->false exactly once, by the correlator that wins the match.
type WaitingEvent struct {
	ID       uuid.UUID
	TenantID TenantID

	Name               string
	CorrelationValues  []string
	FlowNodeInstanceID uuid.UUID // catch event to trigger
	Active             bool

	CreatedAt time.Time
}

// Matches reports whether the event waits for msg's correlation key.
func (w WaitingEvent) Matches(msg MessageInstance) bool {
	return w.TenantID == msg.TenantID &&
		CorrelationKey(w.Name, w.CorrelationValues) == CorrelationKey(msg.Name, msg.CorrelationValues)
}

// CorrelationKey combines an event name and its correlation values.
func CorrelationKey(name string, values []string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, v := range values {
		b.WriteByte(0x1f)
		b.WriteString(v)
	}
	return b.String()
}
