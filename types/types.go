package types

import (
	"fmt"
	"strings"
	"time"
)

// EntityType names a workflow-bearing record.
type EntityType string

const (
	EntityProgram         EntityType = "program"
	EntityEpisode         EntityType = "episode"
	EntitySchedule        EntityType = "schedule"
	EntityMusicSubmission EntityType = "music_submission"
)

// EntityTypes lists every supported entity type.
var EntityTypes = []EntityType{EntityProgram, EntityEpisode, EntitySchedule, EntityMusicSubmission}

// Valid reports whether t is a supported entity type.
func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// State is a tag from a per-entity-type closed enumeration.
type State string

// Label returns a display label derived from the canonical state.
func (s State) Label() string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Role is a department role that may perform transitions.
type Role string

const (
	RoleCreative            Role = "Creative"
	RoleProducer            Role = "Producer"
	RoleProduksi            Role = "Produksi"
	RoleEditor              Role = "Editor"
	RoleQualityControl      Role = "Quality Control"
	RoleBroadcasting        Role = "Broadcasting"
	RolePromotion           Role = "Promotion"
	RoleGraphicDesign       Role = "Graphic Design"
	RoleDistributionManager Role = "Distribution Manager"
	RoleProgramManager      Role = "Program Manager"
	RoleMusicArranger       Role = "Music Arranger"
	RoleSoundEngineer       Role = "Sound Engineer"
)

// Roles lists every department role.
var Roles = []Role{
	RoleCreative, RoleProducer, RoleProduksi, RoleEditor, RoleQualityControl, RoleBroadcasting,
	RolePromotion, RoleGraphicDesign, RoleDistributionManager, RoleProgramManager,
	RoleMusicArranger, RoleSoundEngineer,
}

// Valid reports whether r is a known department role.
func (r Role) Valid() bool {
	for _, role := range Roles {
		if role == r {
			return true
		}
	}
	return false
}

// EntityRef identifies a workflow entity.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// WorkflowEntity is the pipeline-owning view of a department record.
// CurrentState is the only status field; it changes only through the executor.
type WorkflowEntity struct {
	Type         EntityType           `json:"entity_type"`
	ID           string               `json:"entity_id"`
	CurrentState State                `json:"current_state"`
	Fields       map[string]any       `json:"fields"`
	Timestamps   map[string]time.Time `json:"timestamps"`
	Counters     map[string]int       `json:"counters"`
	AirDate      *time.Time           `json:"air_date,omitempty"`
	Version      int64                `json:"version"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Ref returns the entity reference.
func (e WorkflowEntity) Ref() EntityRef {
	return EntityRef{Type: e.Type, ID: e.ID}
}

// Clone returns a deep copy of the entity maps so callers can mutate it freely.
func (e WorkflowEntity) Clone() WorkflowEntity {
	c := e
	c.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	c.Timestamps = make(map[string]time.Time, len(e.Timestamps))
	for k, v := range e.Timestamps {
		c.Timestamps[k] = v
	}
	c.Counters = make(map[string]int, len(e.Counters))
	for k, v := range e.Counters {
		c.Counters[k] = v
	}
	if e.AirDate != nil {
		d := *e.AirDate
		c.AirDate = &d
	}
	return c
}

// EffectKind classifies a side effect run after a transition commits.
type EffectKind string

const (
	EffectNotify   EffectKind = "notify"
	EffectExternal EffectKind = "external"
)

// Effect describes a side effect of a successful transition.
type Effect struct {
	Kind   EffectKind `json:"kind"`
	Target string     `json:"target,omitempty"` // collaborator operation for external effects
}

// TransitionRule is a declared edge of an entity type's state machine.
type TransitionRule struct {
	EntityType   EntityType     `json:"entity_type"`
	Name         string         `json:"name"`
	From         State          `json:"from"`
	To           State          `json:"to"`
	AllowedRoles []Role         `json:"allowed_roles"`
	Guard        string         `json:"guard,omitempty"`
	Stamps       []string       `json:"stamps,omitempty"`
	Counter      string         `json:"counter,omitempty"`
	Captures     []string       `json:"captures,omitempty"`
	Sets         map[string]any `json:"sets,omitempty"`
	Reopen       bool           `json:"reopen,omitempty"`
	OnSuccess    []Effect       `json:"on_success,omitempty"`
}

// Allows reports whether role may perform the rule.
func (r TransitionRule) Allows(role Role) bool {
	for _, allowed := range r.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// TransitionRecord is the immutable audit entry of one applied transition.
type TransitionRecord struct {
	ID         uint64     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Transition string     `json:"transition"`
	FromState  State      `json:"from_state"`
	ToState    State      `json:"to_state"`
	ActorID    string     `json:"actor_id"`
	ActorRole  Role       `json:"actor_role"`
	OccurredAt time.Time  `json:"occurred_at"`
	Notes      string     `json:"notes,omitempty"`
}

// Deadline is a per-role due date tied to a pipeline stage.
type Deadline struct {
	ID           uint64     `json:"id"`
	EntityType   EntityType `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	Role         Role       `json:"role"`
	DeadlineDate time.Time  `json:"deadline_date"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CompletedBy  string     `json:"completed_by,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	RemindedAt   *time.Time `json:"reminded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Ref returns the owning entity reference.
func (d Deadline) Ref() EntityRef {
	return EntityRef{Type: d.EntityType, ID: d.EntityID}
}

// Completed reports whether completion has been recorded.
func (d Deadline) Completed() bool {
	return d.CompletedAt != nil
}

// Notification is a message addressed to one user about one entity event.
type Notification struct {
	ID              uint64         `json:"id"`
	RecipientUserID string         `json:"recipient_user_id"`
	EntityType      EntityType     `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload,omitempty"`
	IsRead          bool           `json:"is_read"`
	CreatedAt       time.Time      `json:"created_at"`
}
