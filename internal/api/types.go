package api

import (
	"time"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/jobs"
	"github.com/djlord-it/easyflow/internal/scheduler"
)

// CreateJobRequest is a job definition without its tenant, which comes from
// the path.
type CreateJobRequest struct {
	Name           string           `json:"name"`
	Implementation string           `json:"implementation"`
	Description    string           `json:"description,omitempty"`
	Parameters     map[string]any   `json:"parameters,omitempty"`
	Trigger        jobs.TriggerSpec `json:"trigger"`
}

func (r CreateJobRequest) definition(tenant domain.TenantID) jobs.Definition {
	return jobs.Definition{
		Tenant:         tenant,
		Name:           r.Name,
		Implementation: r.Implementation,
		Description:    r.Description,
		Parameters:     r.Parameters,
		Trigger:        r.Trigger,
	}
}

type TriggerResponse struct {
	Kind           string  `json:"kind"`
	CronExpression string  `json:"cron_expression,omitempty"`
	Timezone       string  `json:"timezone,omitempty"`
	StartAt        string  `json:"start_at"`
	EndAt          *string `json:"end_at,omitempty"`
	Priority       int     `json:"priority"`
	Misfire        string  `json:"misfire"`
}

type JobResponse struct {
	ID             string          `json:"id"`
	Tenant         string          `json:"tenant"`
	Name           string          `json:"name"`
	Implementation string          `json:"implementation"`
	Description    string          `json:"description,omitempty"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
	Trigger        TriggerResponse `json:"trigger"`
	State          string          `json:"state"`
	NextFireAt     *string         `json:"next_fire_at,omitempty"`
	LastFiredAt    *string         `json:"last_fired_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

type ListJobsResponse struct {
	Jobs   []JobResponse `json:"jobs"`
	Paused bool          `json:"paused"`
}

type TenantStateResponse struct {
	Tenant string `json:"tenant"`
	Paused bool   `json:"paused"`
}

type PublishMessageRequest struct {
	Name              string   `json:"name"`
	CorrelationValues []string `json:"correlation_values"`
}

type MessageResponse struct {
	ID                string   `json:"id"`
	Tenant            string   `json:"tenant"`
	Name              string   `json:"name"`
	CorrelationValues []string `json:"correlation_values"`
	CreatedAt         string   `json:"created_at"`
}

type WaitRequest struct {
	Name               string   `json:"name"`
	CorrelationValues  []string `json:"correlation_values"`
	FlowNodeInstanceID string   `json:"flow_node_instance_id"`
}

type WaitingEventResponse struct {
	ID                 string   `json:"id"`
	Tenant             string   `json:"tenant"`
	Name               string   `json:"name"`
	CorrelationValues  []string `json:"correlation_values"`
	FlowNodeInstanceID string   `json:"flow_node_instance_id"`
	CreatedAt          string   `json:"created_at"`
}

type NodeStoppedResponse struct {
	Node      string `json:"node"`
	Abandoned int    `json:"abandoned"`
}

type StatusResponse struct {
	Node       string `json:"node"`
	Scheduler  string `json:"scheduler"`
	Dispatcher string `json:"dispatcher"`
	Leader     bool   `json:"leader"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toJobResponse(j scheduler.ScheduledJob) JobResponse {
	var params map[string]any
	if len(j.Parameters) > 0 {
		params = domain.ParameterMap(j.Parameters)
	}

	t := j.Trigger
	next := j.NextFireAt
	return JobResponse{
		ID:             j.Job.ID.String(),
		Tenant:         j.Job.TenantID.String(),
		Name:           j.Job.Name,
		Implementation: j.Job.Implementation,
		Description:    j.Job.Description,
		Parameters:     params,
		Trigger: TriggerResponse{
			Kind:           string(t.Kind),
			CronExpression: t.CronExpression,
			Timezone:       t.Timezone,
			StartAt:        formatTime(t.StartAt),
			EndAt:          formatTimePtr(t.EndAt),
			Priority:       t.Priority,
			Misfire:        string(t.MisfirePolicy()),
		},
		State:       string(j.State),
		NextFireAt:  formatTimePtr(&next),
		LastFiredAt: formatTimePtr(j.LastFiredAt),
		CreatedAt:   formatTime(j.Job.CreatedAt),
	}
}

func toMessageResponse(m domain.MessageInstance) MessageResponse {
	return MessageResponse{
		ID:                m.ID.String(),
		Tenant:            m.TenantID.String(),
		Name:              m.Name,
		CorrelationValues: m.CorrelationValues,
		CreatedAt:         formatTime(m.CreatedAt),
	}
}

func toWaitingEventResponse(ev domain.WaitingEvent) WaitingEventResponse {
	return WaitingEventResponse{
		ID:                 ev.ID.String(),
		Tenant:             ev.TenantID.String(),
		Name:               ev.Name,
		CorrelationValues:  ev.CorrelationValues,
		FlowNodeInstanceID: ev.FlowNodeInstanceID.String(),
		CreatedAt:          formatTime(ev.CreatedAt),
	}
}
