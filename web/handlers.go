// Package web exposes the production workflow over HTTP.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/songzhibin97/production-workflow/deadlines"
	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/notify"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/songzhibin97/production-workflow/workflow"
)

// Actor headers set by the authentication layer in front of the API.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

const actorKey = "actor"

type Handlers struct {
	engine     *workflow.Engine
	tracker    *deadlines.Tracker
	dispatcher *notify.Dispatcher
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewHandlers(
	engine *workflow.Engine,
	tracker *deadlines.Tracker,
	dispatcher *notify.Dispatcher,
	validate *validator.Validate,
	logger *slog.Logger,
) *Handlers {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if logger == nil {
		logger = log.WithModule("web")
	}
	return &Handlers{
		engine:     engine,
		tracker:    tracker,
		dispatcher: dispatcher,
		validate:   validate,
		logger:     logger,
	}
}

// Register mounts every route on router.
func (h *Handlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	w := router.Group("/workflow", h.RequireActor)
	w.Post("/entities", h.CreateEntity)
	w.Get("/entities/:type/:id", h.GetEntity)
	w.Patch("/entities/:type/:id/fields", h.SetFields)
	w.Get("/entities/:type/:id/transitions", h.AvailableTransitions)
	w.Post("/entities/:type/:id/transitions/:name", h.ExecuteTransition)
	w.Get("/entities/:type/:id/history", h.History)
	w.Get("/entities/:type/:id/status", h.Status)
	w.Get("/entities/:type/:id/deadlines", h.ListDeadlines)
	w.Post("/entities/:type/:id/deadlines", h.ScheduleDeadline)
	w.Post("/entities/:type/:id/deadlines/:role/complete", h.CompleteDeadline)

	ep := router.Group("/episodes", h.RequireActor)
	ep.Post("/:id/script", h.SubmitScript)
	ep.Post("/:id/review-rundown", h.ReviewRundown)
	ep.Post("/:id/complete-shooting", h.CompleteShooting)
	ep.Post("/:id/submit-edit", h.SubmitEdit)

	qc := router.Group("/qc", h.RequireActor)
	qc.Post("/episodes/:id/review", h.QCReview)

	bc := router.Group("/broadcasting", h.RequireActor)
	bc.Post("/episodes/:id/links", h.RequireRole(types.RoleBroadcasting, types.RoleDistributionManager), h.SetBroadcastLinks)
	bc.Post("/episodes/:id/complete", h.CompleteBroadcast)

	n := router.Group("/notifications", h.RequireActor)
	n.Get("/", h.Notifications)
	n.Post("/:id/read", h.MarkNotificationRead)
}

// RequireActor rejects requests without a complete, known actor identity.
func (h *Handlers) RequireActor(c fiber.Ctx) error {
	id := c.Get(HeaderUserID)
	role := types.Role(c.Get(HeaderUserRole))
	if id == "" || role == "" {
		return unauthorized(c, "missing actor headers")
	}
	if !role.Valid() {
		return unauthorized(c, fmt.Sprintf("unknown role %q", role))
	}
	c.Locals(actorKey, Actor{ID: id, Role: role})
	return c.Next()
}

// RequireRole restricts a route to the given roles.
func (h *Handlers) RequireRole(roles ...types.Role) fiber.Handler {
	return func(c fiber.Ctx) error {
		actor := actorOf(c)
		for _, r := range roles {
			if actor.Role == r {
				return c.Next()
			}
		}
		return h.handleError(c, fmt.Errorf("%w: %q", errForbidden, actor.Role))
	}
}

func actorOf(c fiber.Ctx) Actor {
	actor, _ := c.Locals(actorKey).(Actor)
	return actor
}

func (h *Handlers) bind(c fiber.Ctx, req any) error {
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(req); err != nil {
			return fmt.Errorf("%w: %v", errInvalidBody, err)
		}
	}
	return h.validate.Struct(req)
}

func refOf(c fiber.Ctx) (types.EntityRef, error) {
	typ := types.EntityType(c.Params("type"))
	if !typ.Valid() {
		return types.EntityRef{}, fmt.Errorf("%w: %q", errUnknownEntity, typ)
	}
	return types.EntityRef{Type: typ, ID: c.Params("id")}, nil
}

func episodeRef(c fiber.Ctx) types.EntityRef {
	return types.EntityRef{Type: types.EntityEpisode, ID: c.Params("id")}
}

func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status, httpStatus := "healthy", fiber.StatusOK
	if err := h.engine.Storage().Ping(ctx); err != nil {
		h.logger.Warn("Storage health check failed", "error", err)
		status, httpStatus = "unhealthy", fiber.StatusServiceUnavailable
	}
	return c.Status(httpStatus).JSON(Response{
		Success: httpStatus == fiber.StatusOK,
		Data: fiber.Map{
			"status":    status,
			"timestamp": time.Now().UTC(),
		},
	})
}

func (h *Handlers) CreateEntity(c fiber.Ctx) error {
	var req CreateEntityRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	ref := types.EntityRef{Type: types.EntityType(req.EntityType), ID: req.ID}
	entity, err := h.engine.CreateEntity(c.Context(), ref, req.Fields, req.AirDate)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusCreated, entity, "entity created")
}

func (h *Handlers) GetEntity(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	entity, err := h.engine.Entity(c.Context(), ref)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, entity, "")
}

func (h *Handlers) SetFields(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	var req SetFieldsRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	entity, err := h.engine.SetFields(c.Context(), ref, req.Fields)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, entity, "fields updated")
}

func (h *Handlers) AvailableTransitions(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	available, err := h.engine.AvailableTransitions(c.Context(), ref, actorOf(c).Role)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, available, "")
}

func (h *Handlers) ExecuteTransition(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	var req TransitionRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	return h.transition(c, ref, c.Params("name"), req.Payload, req.Notes)
}

// transition executes one transition for the request's actor. An entity already
// in the target state is a successful no-op.
func (h *Handlers) transition(c fiber.Ctx, ref types.EntityRef, name string, payload map[string]any, notes string) error {
	actor := actorOf(c)
	result, err := h.engine.Execute(c.Context(), workflow.Request{
		Ref:        ref,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Transition: name,
		Payload:    payload,
		Notes:      notes,
	})
	if workflow.IsAlreadyInState(err) {
		return success(c, fiber.StatusOK, TransitionOutcome{Outcome: workflow.OutcomeAlreadyInState}, err.Error())
	}
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, TransitionOutcome{Outcome: workflow.OutcomeApplied, Result: result},
		fmt.Sprintf("%s: %s -> %s", name, result.From, result.To))
}

func (h *Handlers) History(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	records, err := h.engine.History(c.Context(), ref)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, records, "")
}

func (h *Handlers) Status(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	status, err := h.engine.Status(c.Context(), ref)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, status, "")
}

func (h *Handlers) ListDeadlines(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	if _, err := h.engine.Entity(c.Context(), ref); err != nil {
		return h.handleError(c, err)
	}
	ds, err := h.tracker.List(c.Context(), ref)
	if err != nil {
		return h.handleError(c, err)
	}
	now := h.tracker.Now()
	out := make([]fiber.Map, 0, len(ds))
	for _, d := range ds {
		out = append(out, fiber.Map{"deadline": d, "is_overdue": deadlines.IsOverdue(d, now)})
	}
	return success(c, fiber.StatusOK, out, "")
}

func (h *Handlers) ScheduleDeadline(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	var req ScheduleDeadlineRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	role := types.Role(req.Role)
	if !role.Valid() {
		return h.handleError(c, fmt.Errorf("%w: unknown role %q", deadlines.ErrInvalidDeadline, role))
	}
	if _, err := h.engine.Entity(c.Context(), ref); err != nil {
		return h.handleError(c, err)
	}
	d, err := h.tracker.Schedule(c.Context(), ref, role, req.DeadlineDate, req.Notes)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusCreated, d, "deadline scheduled")
}

// CompleteDeadline completes the caller's open deadline. Program Managers may
// complete any role's deadline.
func (h *Handlers) CompleteDeadline(c fiber.Ctx) error {
	ref, err := refOf(c)
	if err != nil {
		return h.handleError(c, err)
	}
	raw, err := url.PathUnescape(c.Params("role"))
	if err != nil {
		return h.handleError(c, fmt.Errorf("%w: %v", deadlines.ErrInvalidDeadline, err))
	}
	role := types.Role(raw)
	actor := actorOf(c)
	if actor.Role != role && actor.Role != types.RoleProgramManager {
		return h.handleError(c, fmt.Errorf("%w: %q may not complete the %q deadline", errForbidden, actor.Role, role))
	}
	var req CompleteDeadlineRequest
	if err := h.bind(c, &req); err != nil {
		return h.handleError(c, err)
	}
	d, err := h.tracker.Complete(c.Context(), ref, role, actor.ID, req.Notes)
	if err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, d, "deadline completed")
}

func (h *Handlers) Notifications(c fiber.Ctx) error {
	unread := false
	if v := c.Query("unread"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return h.handleError(c, fmt.Errorf("%w: unread must be a boolean", errInvalidBody))
		}
		unread = parsed
	}
	ns, err := h.dispatcher.Inbox(c.Context(), actorOf(c).ID, unread)
	if err != nil {
		return h.handleError(c, err)
	}
	if ns == nil {
		ns = []types.Notification{}
	}
	return success(c, fiber.StatusOK, ns, "")
}

func (h *Handlers) MarkNotificationRead(c fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return failure(c, fiber.StatusNotFound, "notification not found")
	}
	if err := h.dispatcher.MarkRead(c.Context(), actorOf(c).ID, id); err != nil {
		return h.handleError(c, err)
	}
	return success(c, fiber.StatusOK, nil, "notification marked read")
}
