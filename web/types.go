package web

import (
	"time"

	"github.com/songzhibin97/production-workflow/types"
)

// Response is the envelope of every endpoint.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Actor is the caller identity taken from the auth layer headers.
type Actor struct {
	ID   string
	Role types.Role
}

type CreateEntityRequest struct {
	EntityType string         `json:"entity_type" validate:"required,oneof=program episode schedule music_submission"`
	ID         string         `json:"entity_id" validate:"required,max=128"`
	Fields     map[string]any `json:"fields"`
	AirDate    *time.Time     `json:"air_date"`
}

type SetFieldsRequest struct {
	Fields map[string]any `json:"fields" validate:"required,min=1"`
}

type TransitionRequest struct {
	Payload map[string]any `json:"payload"`
	Notes   string         `json:"notes" validate:"max=2000"`
}

type ScheduleDeadlineRequest struct {
	Role         string    `json:"role" validate:"required"`
	DeadlineDate time.Time `json:"deadline_date" validate:"required"`
	Notes        string    `json:"notes" validate:"max=2000"`
}

type CompleteDeadlineRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// Department payloads. Content checks are left to the transition guards so that
// their reasons reach the caller unchanged.

type SubmitScriptRequest struct {
	ScriptContent string `json:"script_content"`
	Notes         string `json:"notes" validate:"max=2000"`
}

type ReviewRundownRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Rundown  string `json:"rundown"`
	Notes    string `json:"notes" validate:"max=2000"`
}

type CompleteShootingRequest struct {
	FootageLink string `json:"footage_link" validate:"omitempty,url"`
	Notes       string `json:"notes" validate:"max=2000"`
}

type SubmitEditRequest struct {
	EditedFileLink string `json:"edited_file_link" validate:"omitempty,url"`
	Notes          string `json:"notes" validate:"max=2000"`
}

type QCReviewRequest struct {
	Decision     string   `json:"decision" validate:"required,oneof=approved revision_needed"`
	QualityScore *float64 `json:"quality_score"`
	Notes        string   `json:"notes" validate:"max=2000"`
}

type BroadcastLinksRequest struct {
	YouTubeURL string `json:"youtube_url" validate:"required_without=WebsiteURL,omitempty,url"`
	WebsiteURL string `json:"website_url" validate:"required_without=YouTubeURL,omitempty,url"`
}

type CompleteBroadcastRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// TransitionOutcome wraps a transition result with the outcome label.
type TransitionOutcome struct {
	Outcome string `json:"outcome"`
	Result  any    `json:"result,omitempty"`
}
