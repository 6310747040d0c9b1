package workflow

import (
	"github.com/songzhibin97/production-workflow/rules"
	"github.com/songzhibin97/production-workflow/types"
)

// Episode states.
const (
	EpisodePlanning        types.State = "planning"
	EpisodeScriptReview    types.State = "script_review"
	EpisodeRundownApproved types.State = "rundown_approved"
	EpisodeInProduction    types.State = "in_production"
	EpisodePostProduction  types.State = "post_production"
	EpisodeReadyToAir      types.State = "ready_to_air"
	EpisodeAired           types.State = "aired"
)

// Program states.
const (
	ProgramDraft     types.State = "draft"
	ProgramActive    types.State = "active"
	ProgramCompleted types.State = "completed"
	ProgramArchived  types.State = "archived"
)

// Schedule states.
const (
	ScheduleDraft     types.State = "draft"
	ScheduleConfirmed types.State = "confirmed"
	ScheduleAired     types.State = "aired"
)

// Music submission states.
const (
	MusicDraft             types.State = "draft"
	MusicSubmitted         types.State = "submitted"
	MusicArranging         types.State = "arranging"
	MusicArrangementReview types.State = "arrangement_review"
	MusicSoundEngineering  types.State = "sound_engineering"
	MusicCompleted         types.State = "completed"
	MusicRejected          types.State = "rejected"
)

// StateCancelled is shared by every entity type.
const StateCancelled types.State = "cancelled"

// Episode transition names used by the department endpoints.
const (
	TransitionSubmitScript      = "submit_script"
	TransitionApproveRundown    = "approve_rundown"
	TransitionRejectRundown     = "reject_rundown"
	TransitionCompleteShooting  = "complete_shooting"
	TransitionSubmitEdit        = "submit_edit"
	TransitionQCApproved        = "qc_approved"
	TransitionQCRevisionNeeded  = "qc_revision_needed"
	TransitionCompleteBroadcast = "complete_broadcast"
	TransitionCancel            = "cancel"
)

var notifyOnly = []types.Effect{{Kind: types.EffectNotify}}

func roles(rs ...types.Role) []types.Role { return rs }

// cancelFrom expands a cancel rule over several source states.
func cancelFrom(guard string, allowed []types.Role, from ...types.State) []types.TransitionRule {
	out := make([]types.TransitionRule, 0, len(from))
	for _, f := range from {
		out = append(out, types.TransitionRule{
			Name: TransitionCancel, From: f, To: StateCancelled, AllowedRoles: allowed,
			Guard: guard, Stamps: []string{"cancelled_at"}, OnSuccess: notifyOnly,
		})
	}
	return out
}

// EpisodeMachine is the broadcast production pipeline of an episode.
func EpisodeMachine() Machine {
	rs := []types.TransitionRule{
		{Name: TransitionSubmitScript, From: EpisodePlanning, To: EpisodeScriptReview, AllowedRoles: roles(types.RoleCreative),
			Guard: rules.GuardScriptNotEmpty, Stamps: []string{"script_submitted_at"}, Captures: []string{"script_content"}, OnSuccess: notifyOnly},
		{Name: TransitionApproveRundown, From: EpisodeScriptReview, To: EpisodeRundownApproved, AllowedRoles: roles(types.RoleProducer),
			Guard: rules.GuardRundownNotEmpty, Stamps: []string{"rundown_approved_at"}, Captures: []string{"rundown"}, OnSuccess: notifyOnly},
		{Name: TransitionRejectRundown, From: EpisodeScriptReview, To: EpisodePlanning, AllowedRoles: roles(types.RoleProducer),
			Guard: rules.GuardHasReviewNotes, Stamps: []string{"rundown_rejected_at"}, Counter: "script_revision_count", Reopen: true, OnSuccess: notifyOnly},
		{Name: TransitionCompleteShooting, From: EpisodeRundownApproved, To: EpisodePostProduction, AllowedRoles: roles(types.RoleProduksi),
			Stamps: []string{"shooting_completed_at"}, Captures: []string{"footage_link"}, OnSuccess: notifyOnly},
		// in_production is the editor rework stage entered through the QC back-edge.
		{Name: TransitionSubmitEdit, From: EpisodeInProduction, To: EpisodePostProduction, AllowedRoles: roles(types.RoleEditor),
			Guard: rules.GuardHasEditedFile, Stamps: []string{"editing_completed_at"}, Captures: []string{"edited_file_link"}, OnSuccess: notifyOnly},
		{Name: TransitionQCApproved, From: EpisodePostProduction, To: EpisodeReadyToAir, AllowedRoles: roles(types.RoleQualityControl),
			Guard: rules.GuardHasQCFields, Stamps: []string{"qc_reviewed_at"}, Captures: []string{"quality_score", "qc_notes"},
			Sets:      map[string]any{"qc_decision": "approved"},
			OnSuccess: []types.Effect{{Kind: types.EffectNotify}, {Kind: types.EffectExternal, Target: "youtube.prepare_upload"}}},
		{Name: TransitionQCRevisionNeeded, From: EpisodePostProduction, To: EpisodeInProduction, AllowedRoles: roles(types.RoleQualityControl),
			Guard: rules.GuardQCRevision, Stamps: []string{"qc_reviewed_at"}, Counter: "qc_revision_count", Captures: []string{"quality_score", "qc_notes"},
			Sets: map[string]any{"qc_decision": "revision_needed"}, Reopen: true, OnSuccess: notifyOnly},
		{Name: TransitionCompleteBroadcast, From: EpisodeReadyToAir, To: EpisodeAired, AllowedRoles: roles(types.RoleBroadcasting),
			Guard: rules.GuardQCReady, Stamps: []string{"broadcast_completed_at", "actual_air_date"}, Captures: []string{"youtube_url", "website_url"},
			OnSuccess: []types.Effect{
				{Kind: types.EffectNotify},
				{Kind: types.EffectExternal, Target: "website.publish"},
				{Kind: types.EffectExternal, Target: "social.promote"},
			}},
	}
	rs = append(rs, cancelFrom(rules.GuardHasReviewNotes, roles(types.RoleProducer, types.RoleProgramManager),
		EpisodePlanning, EpisodeScriptReview, EpisodeRundownApproved, EpisodeInProduction, EpisodePostProduction, EpisodeReadyToAir)...)

	return Machine{
		Type: types.EntityEpisode,
		States: []types.State{EpisodePlanning, EpisodeScriptReview, EpisodeRundownApproved, EpisodeInProduction,
			EpisodePostProduction, EpisodeReadyToAir, EpisodeAired, StateCancelled},
		Initial:  EpisodePlanning,
		Terminal: []types.State{EpisodeAired, StateCancelled},
		Path: []types.State{EpisodePlanning, EpisodeScriptReview, EpisodeRundownApproved, EpisodeInProduction,
			EpisodePostProduction, EpisodeReadyToAir, EpisodeAired},
		Stages: []Stage{
			{EpisodeScriptReview, "script_submitted_at"},
			{EpisodeRundownApproved, "rundown_approved_at"},
			{EpisodePostProduction, "shooting_completed_at"},
			{EpisodeReadyToAir, "qc_reviewed_at"},
			{EpisodeAired, "broadcast_completed_at"},
		},
		Rules: rs,
	}
}

// ProgramMachine is the lifecycle of a program.
func ProgramMachine() Machine {
	pm := roles(types.RoleProgramManager)
	rs := []types.TransitionRule{
		{Name: "activate", From: ProgramDraft, To: ProgramActive, AllowedRoles: pm, Guard: rules.GuardHasProgramSchedule,
			Stamps: []string{"activated_at"}, Captures: []string{"start_date", "broadcast_slot"}, OnSuccess: notifyOnly},
		{Name: "complete", From: ProgramActive, To: ProgramCompleted, AllowedRoles: pm, Guard: rules.GuardAllDeadlinesCompleted,
			Stamps: []string{"completed_at"}, OnSuccess: notifyOnly},
		{Name: "archive", From: ProgramCompleted, To: ProgramArchived, AllowedRoles: pm,
			Stamps: []string{"archived_at"}, OnSuccess: notifyOnly},
	}
	rs = append(rs, cancelFrom("", pm, ProgramDraft, ProgramActive)...)

	return Machine{
		Type:     types.EntityProgram,
		States:   []types.State{ProgramDraft, ProgramActive, ProgramCompleted, ProgramArchived, StateCancelled},
		Initial:  ProgramDraft,
		Terminal: []types.State{ProgramArchived, StateCancelled},
		Path:     []types.State{ProgramDraft, ProgramActive, ProgramCompleted, ProgramArchived},
		Stages: []Stage{
			{ProgramActive, "activated_at"},
			{ProgramCompleted, "completed_at"},
			{ProgramArchived, "archived_at"},
		},
		Rules: rs,
	}
}

// ScheduleMachine is the lifecycle of a broadcast slot.
func ScheduleMachine() Machine {
	planners := roles(types.RoleBroadcasting, types.RoleProgramManager)
	rs := []types.TransitionRule{
		{Name: "confirm", From: ScheduleDraft, To: ScheduleConfirmed, AllowedRoles: planners, Guard: rules.GuardHasScheduleTime,
			Stamps: []string{"confirmed_at"}, Captures: []string{"scheduled_at", "channel"}, OnSuccess: notifyOnly},
		{Name: "mark_aired", From: ScheduleConfirmed, To: ScheduleAired, AllowedRoles: roles(types.RoleBroadcasting),
			Stamps: []string{"aired_at"}, OnSuccess: notifyOnly},
		{Name: "reschedule", From: ScheduleConfirmed, To: ScheduleDraft, AllowedRoles: planners,
			Stamps: []string{"rescheduled_at"}, Counter: "reschedule_count", Reopen: true, OnSuccess: notifyOnly},
	}
	rs = append(rs, cancelFrom("", planners, ScheduleDraft, ScheduleConfirmed)...)

	return Machine{
		Type:     types.EntitySchedule,
		States:   []types.State{ScheduleDraft, ScheduleConfirmed, ScheduleAired, StateCancelled},
		Initial:  ScheduleDraft,
		Terminal: []types.State{ScheduleAired, StateCancelled},
		Path:     []types.State{ScheduleDraft, ScheduleConfirmed, ScheduleAired},
		Stages: []Stage{
			{ScheduleConfirmed, "confirmed_at"},
			{ScheduleAired, "aired_at"},
		},
		Rules: rs,
	}
}

// MusicSubmissionMachine is the song arrangement pipeline.
func MusicSubmissionMachine() Machine {
	producer := roles(types.RoleProducer)
	rs := []types.TransitionRule{
		{Name: "submit", From: MusicDraft, To: MusicSubmitted, AllowedRoles: roles(types.RoleMusicArranger), Guard: rules.GuardHasSongDetails,
			Stamps: []string{"submitted_at"}, Captures: []string{"song_title", "artist"}, OnSuccess: notifyOnly},
		{Name: "approve_song", From: MusicSubmitted, To: MusicArranging, AllowedRoles: producer,
			Stamps: []string{"song_approved_at"}, OnSuccess: notifyOnly},
		{Name: "reject_song", From: MusicSubmitted, To: MusicRejected, AllowedRoles: producer, Guard: rules.GuardHasReviewNotes,
			Stamps: []string{"rejected_at"}, OnSuccess: notifyOnly},
		{Name: "submit_arrangement", From: MusicArranging, To: MusicArrangementReview, AllowedRoles: roles(types.RoleMusicArranger),
			Guard: rules.GuardHasArrangementFile, Stamps: []string{"arrangement_submitted_at"}, Captures: []string{"arrangement_file_link"}, OnSuccess: notifyOnly},
		{Name: "approve_arrangement", From: MusicArrangementReview, To: MusicSoundEngineering, AllowedRoles: producer,
			Stamps: []string{"arrangement_approved_at"}, OnSuccess: notifyOnly},
		{Name: "request_arrangement_revision", From: MusicArrangementReview, To: MusicArranging, AllowedRoles: producer,
			Guard: rules.GuardHasReviewNotes, Stamps: []string{"arrangement_revision_requested_at"}, Counter: "arrangement_revision_count",
			Reopen: true, OnSuccess: notifyOnly},
		{Name: "complete_sound_engineering", From: MusicSoundEngineering, To: MusicCompleted, AllowedRoles: roles(types.RoleSoundEngineer),
			Guard: rules.GuardHasAudioFile, Stamps: []string{"completed_at"}, Captures: []string{"audio_file_link"}, OnSuccess: notifyOnly},
	}
	rs = append(rs, cancelFrom("", producer, MusicDraft, MusicSubmitted, MusicArranging, MusicArrangementReview, MusicSoundEngineering)...)

	return Machine{
		Type: types.EntityMusicSubmission,
		States: []types.State{MusicDraft, MusicSubmitted, MusicArranging, MusicArrangementReview, MusicSoundEngineering,
			MusicCompleted, MusicRejected, StateCancelled},
		Initial:  MusicDraft,
		Terminal: []types.State{MusicCompleted, MusicRejected, StateCancelled},
		Path:     []types.State{MusicDraft, MusicSubmitted, MusicArranging, MusicArrangementReview, MusicSoundEngineering, MusicCompleted},
		Stages: []Stage{
			{MusicSubmitted, "submitted_at"},
			{MusicArranging, "song_approved_at"},
			{MusicArrangementReview, "arrangement_submitted_at"},
			{MusicSoundEngineering, "arrangement_approved_at"},
			{MusicCompleted, "completed_at"},
		},
		Rules: rs,
	}
}

// DefaultTable returns an unfrozen table holding every production pipeline.
// Callers may Grant extra roles before freezing it.
func DefaultTable() *Table {
	t := NewTable()
	for _, m := range []Machine{EpisodeMachine(), ProgramMachine(), ScheduleMachine(), MusicSubmissionMachine()} {
		// Machines above only use valid entity types.
		_ = t.Define(m)
	}
	return t
}
