package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrGuardNotFound is returned when a guard name is not registered.
var ErrGuardNotFound = errors.New("guard not found")

// Verdict is the outcome of a guard check. Reason is user-facing and
// must be preserved verbatim by callers.
type Verdict struct {
	Passed bool
	Reason string
}

// Pass is the verdict of a satisfied guard.
var Pass = Verdict{Passed: true}

// Fail builds a failing verdict.
func Fail(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Guard is a named, side-effect free precondition over an entity snapshot
// merged with the transition payload.
type Guard interface {
	Name() string
	Check(env map[string]interface{}) (Verdict, error)
}

// ExprGuard passes when its expression evaluates to true.
type ExprGuard struct {
	name       string
	expression string
	reason     string
	evaluator  Evaluator
}

// NewExprGuard creates a guard backed by an expression.
func NewExprGuard(name, expression, reason string, evaluator Evaluator) *ExprGuard {
	return &ExprGuard{name: name, expression: expression, reason: reason, evaluator: evaluator}
}

func (g *ExprGuard) Name() string { return g.name }

// Expression returns the guard source.
func (g *ExprGuard) Expression() string { return g.expression }

func (g *ExprGuard) Check(env map[string]interface{}) (Verdict, error) {
	ok, err := g.evaluator.Evaluate(g.expression, env)
	if err != nil {
		return Verdict{}, fmt.Errorf("guard %s: %w", g.name, err)
	}
	if !ok {
		return Fail(g.reason), nil
	}
	return Pass, nil
}

// FuncGuard adapts a Go predicate.
type FuncGuard struct {
	name string
	fn   func(env map[string]interface{}) Verdict
}

// NewFuncGuard creates a guard from a predicate.
func NewFuncGuard(name string, fn func(env map[string]interface{}) Verdict) *FuncGuard {
	return &FuncGuard{name: name, fn: fn}
}

func (g *FuncGuard) Name() string { return g.name }

func (g *FuncGuard) Check(env map[string]interface{}) (Verdict, error) {
	return g.fn(env), nil
}

type allGuard struct {
	name   string
	guards []Guard
}

// All combines guards with AND semantics. The first failing guard's reason wins.
func All(name string, guards ...Guard) Guard {
	return &allGuard{name: name, guards: guards}
}

func (g *allGuard) Name() string { return g.name }

func (g *allGuard) Check(env map[string]interface{}) (Verdict, error) {
	for _, inner := range g.guards {
		v, err := inner.Check(env)
		if err != nil {
			return Verdict{}, err
		}
		if !v.Passed {
			return v, nil
		}
	}
	return Pass, nil
}

// Library is a registry of named guards.
type Library struct {
	mu     sync.RWMutex
	guards map[string]Guard
}

// NewLibrary creates an empty guard library.
func NewLibrary() *Library {
	return &Library{guards: make(map[string]Guard)}
}

// Register adds a guard, replacing any guard with the same name.
func (l *Library) Register(g Guard) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.guards[g.Name()] = g
}

// Lookup returns the named guard.
func (l *Library) Lookup(name string) (Guard, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.guards[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGuardNotFound, name)
	}
	return g, nil
}

// Has reports whether name is registered.
func (l *Library) Has(name string) bool {
	_, err := l.Lookup(name)
	return err == nil
}

// Names lists registered guard names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.guards))
	for n := range l.guards {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compose registers an AND-combination of already registered guards under name.
func (l *Library) Compose(name string, parts ...string) error {
	guards := make([]Guard, 0, len(parts))
	for _, p := range parts {
		g, err := l.Lookup(p)
		if err != nil {
			return err
		}
		guards = append(guards, g)
	}
	l.Register(All(name, guards...))
	return nil
}

// Guard names used by the production pipelines.
const (
	GuardScriptNotEmpty          = "script_not_empty"
	GuardRundownNotEmpty         = "rundown_not_empty"
	GuardHasReviewNotes          = "has_review_notes"
	GuardHasEditedFile           = "has_edited_file"
	GuardHasQCFields             = "has_qc_fields"
	GuardHasApprovedQC           = "has_approved_qc"
	GuardYouTubeURLSet           = "youtube_url_set"
	GuardWebsiteURLSet           = "website_url_set"
	GuardHasYouTubeAndWebsiteURL = "has_youtube_and_website_url"
	GuardAllDeadlinesCompleted   = "all_required_deadlines_completed"
	GuardHasProgramSchedule      = "has_program_schedule"
	GuardHasScheduleTime         = "has_schedule_time"
	GuardHasSongDetails          = "has_song_details"
	GuardHasArrangementFile      = "has_arrangement_file"
	GuardHasAudioFile            = "has_audio_file"
	GuardQCReady                 = "qc_ready_for_broadcast"
	GuardQCRevision              = "qc_revision_documented"
)

// DefaultLibrary returns the guards required by the production pipelines.
func DefaultLibrary(evaluator Evaluator) *Library {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	l := NewLibrary()
	exprGuards := []struct{ name, expression, reason string }{
		{GuardScriptNotEmpty, `present(script_content)`, "Script belum diinput"},
		{GuardRundownNotEmpty, `present(rundown)`, "Rundown masih kosong"},
		{GuardHasReviewNotes, `present(notes)`, "Catatan review wajib diisi"},
		{GuardHasEditedFile, `present(edited_file_link)`, "Link file hasil editing belum diinput"},
		{GuardHasApprovedQC, `qc_decision == "approved"`, "Episode belum disetujui QC"},
		{GuardYouTubeURLSet, `present(youtube_url)`, "YouTube URL belum diinput"},
		{GuardWebsiteURLSet, `present(website_url)`, "Website URL belum diinput"},
		{GuardAllDeadlinesCompleted, `open_deadlines == 0`, "Masih ada deadline yang belum diselesaikan"},
		{GuardHasProgramSchedule, `present(start_date) && present(broadcast_slot)`, "Jadwal program belum lengkap"},
		{GuardHasScheduleTime, `present(scheduled_at) && present(channel)`, "Waktu tayang atau channel belum diinput"},
		{GuardHasSongDetails, `present(song_title) && present(artist)`, "Judul lagu dan artis wajib diisi"},
		{GuardHasArrangementFile, `present(arrangement_file_link)`, "Link file aransemen belum diinput"},
		{GuardHasAudioFile, `present(audio_file_link)`, "Link file audio final belum diinput"},
	}
	for _, g := range exprGuards {
		l.Register(NewExprGuard(g.name, g.expression, g.reason, evaluator))
	}
	l.Register(NewFuncGuard(GuardHasQCFields, func(env map[string]interface{}) Verdict {
		score, ok := numeric(env["quality_score"])
		if !ok || score < 1 || score > 10 {
			return Fail("Quality score harus antara 1 dan 10")
		}
		return Pass
	}))

	// Compositions only reference guards registered above, so errors are impossible.
	_ = l.Compose(GuardHasYouTubeAndWebsiteURL, GuardYouTubeURLSet, GuardWebsiteURLSet)
	_ = l.Compose(GuardQCReady, GuardHasApprovedQC, GuardHasYouTubeAndWebsiteURL)
	_ = l.Compose(GuardQCRevision, GuardHasQCFields, GuardHasReviewNotes)
	return l
}

// numeric converts JSON and Go number values. Strings are not numbers.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
