package domain

import (
	"errors"
	"fmt"
	"time"
)

type TriggerKind string

const (
	TriggerKindOneShot        TriggerKind = "one_shot"
	TriggerKindDelayedOneShot TriggerKind = "delayed_one_shot"
	TriggerKindCron           TriggerKind = "cron"
)

// MisfirePolicy decides what happens to a trigger whose due time elapsed
// while it could not fire (scheduler stopped, tenant paused).
type MisfirePolicy string

const (
	MisfireDefault MisfirePolicy = ""
	MisfireFireNow MisfirePolicy = "fire_now" // fire once immediately
	MisfireSkip    MisfirePolicy = "skip"     // drop the missed fire
)

var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger is a tagged union over the supported trigger kinds. Only the cron
// kind uses CronExpression, Timezone and EndAt.
type Trigger struct {
	Kind     TriggerKind
	StartAt  time.Time // immutable once scheduled
	Priority int

	CronExpression string
	Timezone       string
	EndAt          *time.Time

	Misfire MisfirePolicy
}

// OneShot fires exactly once at the given instant.
func OneShot(at time.Time) Trigger {
	return Trigger{Kind: TriggerKindOneShot, StartAt: at}
}

// DelayedOneShot fires once after delay. It behaves like OneShot and marks an
// event-driven wake-up rather than a user-visible schedule.
func DelayedOneShot(now time.Time, delay time.Duration) Trigger {
	return Trigger{Kind: TriggerKindDelayedOneShot, StartAt: now.Add(delay)}
}

// Cron fires on every instant matching expr, no earlier than start.
func Cron(expr string, start time.Time) Trigger {
	return Trigger{Kind: TriggerKindCron, StartAt: start, CronExpression: expr, Timezone: "UTC"}
}

func (t Trigger) Recurring() bool {
	return t.Kind == TriggerKindCron
}

// MisfirePolicy resolves the default: one-shot kinds fire once, cron skips.
func (t Trigger) MisfirePolicy() MisfirePolicy {
	if t.Misfire != MisfireDefault {
		return t.Misfire
	}
	if t.Recurring() {
		return MisfireSkip
	}
	return MisfireFireNow
}

// Validate checks the shape of the trigger. Cron grammar is checked by the
// scheduler's parser.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerKindOneShot, TriggerKindDelayedOneShot:
		if t.StartAt.IsZero() {
			return fmt.Errorf("%w: %s requires a start time", ErrInvalidTrigger, t.Kind)
		}
		if t.CronExpression != "" {
			return fmt.Errorf("%w: %s does not take a cron expression", ErrInvalidTrigger, t.Kind)
		}
	case TriggerKindCron:
		if t.CronExpression == "" {
			return fmt.Errorf("%w: cron requires an expression", ErrInvalidTrigger)
		}
		if t.EndAt != nil && !t.StartAt.IsZero() && t.EndAt.Before(t.StartAt) {
			return fmt.Errorf("%w: end before start", ErrInvalidTrigger)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}

	switch t.Misfire {
	case MisfireDefault, MisfireFireNow, MisfireSkip:
	default:
		return fmt.Errorf("%w: unknown misfire policy %q", ErrInvalidTrigger, t.Misfire)
	}
	return nil
}
