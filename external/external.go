// Package external declares the third-party platform collaborators invoked after a
// transition commits and runs them from the watermill event topic.
package external

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/songzhibin97/production-workflow/events"
	"github.com/songzhibin97/production-workflow/types"
)

// Effect targets declared on transition rules.
const (
	TargetYouTubePrepareUpload = "youtube.prepare_upload"
	TargetWebsitePublish       = "website.publish"
	TargetSocialPromote        = "social.promote"
	// TargetDeadlineEscalate handles deadline.overdue events.
	TargetDeadlineEscalate = "deadline.escalate"
)

// Action runs one platform side effect for an event.
type Action interface {
	Execute(ctx context.Context, event events.Event) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, event events.Event) error

func (f ActionFunc) Execute(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}

// VideoPlatform prepares uploads on the video platform.
type VideoPlatform interface {
	PrepareUpload(ctx context.Context, ref types.EntityRef, details map[string]any) error
}

// Website publishes episode pages.
type Website interface {
	Publish(ctx context.Context, ref types.EntityRef, websiteURL string) error
}

// SocialMedia promotes aired episodes.
type SocialMedia interface {
	Promote(ctx context.Context, ref types.EntityRef, links map[string]string) error
}

// Escalation reports overdue deadlines outside the notification inbox.
type Escalation interface {
	Escalate(ctx context.Context, ref types.EntityRef, role types.Role, details map[string]any) error
}

// LoggingPlatform stands in for every collaborator by logging the call.
type LoggingPlatform struct {
	logger *slog.Logger
}

func NewLoggingPlatform(logger *slog.Logger) *LoggingPlatform {
	return &LoggingPlatform{logger: logger}
}

func (p *LoggingPlatform) PrepareUpload(_ context.Context, ref types.EntityRef, details map[string]any) error {
	p.logger.Info("Video upload prepared", "ref", ref.String(), "quality_score", details["quality_score"])
	return nil
}

func (p *LoggingPlatform) Publish(_ context.Context, ref types.EntityRef, websiteURL string) error {
	p.logger.Info("Website page published", "ref", ref.String(), "url", websiteURL)
	return nil
}

func (p *LoggingPlatform) Promote(_ context.Context, ref types.EntityRef, links map[string]string) error {
	p.logger.Info("Social promotion queued", "ref", ref.String(), "youtube_url", links["youtube_url"], "website_url", links["website_url"])
	return nil
}

func (p *LoggingPlatform) Escalate(_ context.Context, ref types.EntityRef, role types.Role, details map[string]any) error {
	p.logger.Warn("Deadline overdue", "ref", ref.String(), "role", role, "deadline_date", details["deadline_date"])
	return nil
}

// Collaborators groups the platforms wired into the default actions.
type Collaborators struct {
	Video      VideoPlatform
	Website    Website
	Social     SocialMedia
	Escalation Escalation
}

// LoggingCollaborators backs every collaborator with a LoggingPlatform.
func LoggingCollaborators(logger *slog.Logger) Collaborators {
	p := NewLoggingPlatform(logger)
	return Collaborators{Video: p, Website: p, Social: p, Escalation: p}
}

// Actions maps effect targets to collaborator calls. Nil collaborators are skipped.
func (c Collaborators) Actions() map[string]Action {
	actions := make(map[string]Action, 4)
	if c.Video != nil {
		actions[TargetYouTubePrepareUpload] = ActionFunc(func(ctx context.Context, e events.Event) error {
			return c.Video.PrepareUpload(ctx, e.Ref, e.Payload)
		})
	}
	if c.Website != nil {
		actions[TargetWebsitePublish] = ActionFunc(func(ctx context.Context, e events.Event) error {
			url, err := stringField(e, "website_url")
			if err != nil {
				return err
			}
			return c.Website.Publish(ctx, e.Ref, url)
		})
	}
	if c.Social != nil {
		actions[TargetSocialPromote] = ActionFunc(func(ctx context.Context, e events.Event) error {
			links := map[string]string{}
			for _, k := range []string{"youtube_url", "website_url"} {
				if v, ok := e.Payload[k].(string); ok {
					links[k] = v
				}
			}
			return c.Social.Promote(ctx, e.Ref, links)
		})
	}
	if c.Escalation != nil {
		actions[TargetDeadlineEscalate] = ActionFunc(func(ctx context.Context, e events.Event) error {
			return c.Escalation.Escalate(ctx, e.Ref, e.ActorRole, e.Payload)
		})
	}
	return actions
}

func stringField(e events.Event, key string) (string, error) {
	v, ok := e.Payload[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("event %s: payload field %q missing", e.ID, key)
	}
	return v, nil
}
