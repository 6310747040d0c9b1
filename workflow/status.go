package workflow

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/songzhibin97/production-workflow/types"
)

// Status is the read-only dashboard view of an entity.
type Status struct {
	Ref             types.EntityRef       `json:"ref"`
	CurrentState    types.State           `json:"current_state"`
	Label           string                `json:"label"`
	StageTimestamps map[string]*time.Time `json:"stage_timestamps"`
	CompletedStages int                   `json:"completed_stages"`
	TotalStages     int                   `json:"total_stages"`
	ProgressPercent int                   `json:"progress_percent"`
	AirDate         *time.Time            `json:"air_date,omitempty"`
	DaysUntilAir    *int                  `json:"days_until_air"`
	IsOverdue       bool                  `json:"is_overdue"`
	IsTerminal      bool                  `json:"is_terminal"`
	RevisionCounts  map[string]int        `json:"revision_counts,omitempty"`
}

// Aggregator derives Status values. It never writes.
type Aggregator struct {
	table *Table
	clock clockwork.Clock
}

func NewAggregator(table *Table, clock clockwork.Clock) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Aggregator{table: table, clock: clock}
}

// StatusOf computes the status of an entity snapshot.
//
// Progress counts the position of the current state on the main line. States off
// the main line (cancelled, rejected) count the stage timestamps already stamped.
func (a *Aggregator) StatusOf(entity types.WorkflowEntity) Status {
	now := a.clock.Now()
	terminal := a.table.IsTerminal(entity.Type, entity.CurrentState)

	st := Status{
		Ref:             entity.Ref(),
		CurrentState:    entity.CurrentState,
		Label:           entity.CurrentState.Label(),
		StageTimestamps: make(map[string]*time.Time),
		AirDate:         entity.AirDate,
		IsTerminal:      terminal,
	}

	stages := a.table.Stages(entity.Type)
	stamped := 0
	for _, s := range stages {
		if ts, ok := entity.Timestamps[s.Timestamp]; ok {
			t := ts
			st.StageTimestamps[s.Timestamp] = &t
			stamped++
		} else {
			st.StageTimestamps[s.Timestamp] = nil
		}
	}

	path := a.table.Path(entity.Type)
	if len(path) > 1 {
		st.TotalStages = len(path) - 1
		st.CompletedStages = stamped
		for i, s := range path {
			if s == entity.CurrentState {
				st.CompletedStages = i
				break
			}
		}
		if st.CompletedStages > st.TotalStages {
			st.CompletedStages = st.TotalStages
		}
		st.ProgressPercent = st.CompletedStages * 100 / st.TotalStages
	}

	if entity.AirDate != nil {
		days := daysBetween(now, *entity.AirDate)
		st.DaysUntilAir = &days
		st.IsOverdue = entity.AirDate.Before(now) && !terminal
	}

	for k, v := range entity.Counters {
		if st.RevisionCounts == nil {
			st.RevisionCounts = make(map[string]int, len(entity.Counters))
		}
		st.RevisionCounts[k] = v
	}
	return st
}

// daysBetween counts UTC calendar days from now to target; negative once passed.
func daysBetween(now, target time.Time) int {
	y1, m1, d1 := now.UTC().Date()
	y2, m2, d2 := target.UTC().Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
