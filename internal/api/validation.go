package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/cron"
	"github.com/djlord-it/easyflow/internal/domain"
)

const maxCorrelationValues = 16

func validateCreateJob(req CreateJobRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.Implementation == "" {
		return fmt.Errorf("implementation is required")
	}

	t := req.Trigger
	switch t.Kind {
	case domain.TriggerKindCron:
		if t.Cron == "" {
			return fmt.Errorf("trigger.cron is required")
		}
		if err := validateCron(t.Cron, t.Timezone); err != nil {
			return fmt.Errorf("invalid trigger.cron: %w", err)
		}
	case domain.TriggerKindOneShot:
		if t.StartAt == nil {
			return fmt.Errorf("trigger.start_at is required")
		}
	case domain.TriggerKindDelayedOneShot:
		if t.Delay == "" {
			return fmt.Errorf("trigger.delay is required")
		}
		d, err := time.ParseDuration(t.Delay)
		if err != nil {
			return fmt.Errorf("invalid trigger.delay: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("invalid trigger.delay: must not be negative")
		}
	case "":
		return fmt.Errorf("trigger.kind is required")
	default:
		return fmt.Errorf("unknown trigger.kind %q", t.Kind)
	}

	switch t.Misfire {
	case domain.MisfireDefault, domain.MisfireFireNow, domain.MisfireSkip:
	default:
		return fmt.Errorf("unknown trigger.misfire %q", t.Misfire)
	}
	return nil
}

// validateCron accepts the six-field form the scheduler fires on.
func validateCron(expr, tz string) error {
	_, err := cron.NewParser().Parse(expr, tz)
	return err
}

func validateCorrelation(name string, values []string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(values) > maxCorrelationValues {
		return fmt.Errorf("at most %d correlation_values allowed", maxCorrelationValues)
	}
	return nil
}

func validateWait(req WaitRequest) (uuid.UUID, error) {
	if err := validateCorrelation(req.Name, req.CorrelationValues); err != nil {
		return uuid.Nil, err
	}
	if req.FlowNodeInstanceID == "" {
		return uuid.Nil, fmt.Errorf("flow_node_instance_id is required")
	}
	id, err := uuid.Parse(req.FlowNodeInstanceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid flow_node_instance_id: %w", err)
	}
	return id, nil
}
