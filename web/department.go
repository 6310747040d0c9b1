package web

import (
	"github.com/gofiber/fiber/v3"

	"github.com/songzhibin97/production-workflow/workflow"
)

// payload collects the non-empty department values passed to a transition.
func payload(kv ...any) map[string]any {
	p := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		switch v := kv[i+1].(type) {
		case string:
			if v != "" {
				p[key] = v
			}
		case *float64:
			if v != nil {
				p[key] = *v
			}
		default:
			if v != nil {
				p[key] = v
			}
		}
	}
	return p
}

func (h *Handlers) SubmitScript(c fiber.Ctx) error {
	var req SubmitScriptRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	return h.transition(c, episodeRef(c), workflow.TransitionSubmitScript,
		payload("script_content", req.ScriptContent), req.Notes)
}

func (h *Handlers) ReviewRundown(c fiber.Ctx) error {
	var req ReviewRundownRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	if req.Decision == "reject" {
		return h.transition(c, episodeRef(c), workflow.TransitionRejectRundown, nil, req.Notes)
	}
	return h.transition(c, episodeRef(c), workflow.TransitionApproveRundown,
		payload("rundown", req.Rundown), req.Notes)
}

func (h *Handlers) CompleteShooting(c fiber.Ctx) error {
	var req CompleteShootingRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	return h.transition(c, episodeRef(c), workflow.TransitionCompleteShooting,
		payload("footage_link", req.FootageLink), req.Notes)
}

func (h *Handlers) SubmitEdit(c fiber.Ctx) error {
	var req SubmitEditRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	return h.transition(c, episodeRef(c), workflow.TransitionSubmitEdit,
		payload("edited_file_link", req.EditedFileLink), req.Notes)
}

// QCReview records the QC decision. Approval moves the episode to ready_to_air;
// a revision sends it back to the editor.
func (h *Handlers) QCReview(c fiber.Ctx) error {
	var req QCReviewRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	transition := workflow.TransitionQCApproved
	if req.Decision == "revision_needed" {
		transition = workflow.TransitionQCRevisionNeeded
	}
	return h.transition(c, episodeRef(c), transition,
		payload("quality_score", req.QualityScore, "qc_notes", req.Notes), req.Notes)
}

// SetBroadcastLinks stores the publication URLs checked by complete_broadcast.
func (h *Handlers) SetBroadcastLinks(c fiber.Ctx) error {
	var req BroadcastLinksRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	entity, err := h.engine.SetFields(c.Context(), episodeRef(c),
		payload("youtube_url", req.YouTubeURL, "website_url", req.WebsiteURL))
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, entity, "broadcast links saved")
}

func (h *Handlers) CompleteBroadcast(c fiber.Ctx) error {
	var req CompleteBroadcastRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	return h.transition(c, episodeRef(c), workflow.TransitionCompleteBroadcast, nil, req.Notes)
}
