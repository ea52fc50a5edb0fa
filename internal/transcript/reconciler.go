// Package transcript reconciles streamed transcription fragments into turn pairs.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies the speaker of an entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// DeltaMode controls how a fragment combines with the open entry text.
type DeltaMode string

const (
	// DeltaCumulative treats each fragment as the full text so far and replaces.
	DeltaCumulative DeltaMode = "cumulative"
	// DeltaIncremental treats each fragment as new text and appends.
	DeltaIncremental DeltaMode = "incremental"
)

// ParseDeltaMode maps config values onto a DeltaMode.
func ParseDeltaMode(raw string) (DeltaMode, error) {
	switch DeltaMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DeltaCumulative:
		return DeltaCumulative, nil
	case DeltaIncremental:
		return DeltaIncremental, nil
	default:
		return "", fmt.Errorf("unknown transcript delta mode %q", raw)
	}
}

// Entry is one speaker's text within a turn.
type Entry struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Pair is one user/model exchange.
type Pair struct {
	Turn        int       `json:"turn"`
	User        Entry     `json:"user"`
	Model       Entry     `json:"model"`
	CompletedAt time.Time `json:"completed_at"`
}

// Empty reports whether neither side has any text.
func (p Pair) Empty() bool {
	return strings.TrimSpace(p.User.Text) == "" && strings.TrimSpace(p.Model.Text) == ""
}

func newPair() Pair {
	return Pair{User: Entry{Role: RoleUser}, Model: Entry{Role: RoleModel}}
}

// Reconciler holds the single open pair and the kept history.
type Reconciler struct {
	mode    DeltaMode
	onFinal func(Pair)
	now     func() time.Time

	mu      sync.Mutex
	open    Pair
	history []Pair
	turns   int
}

// NewReconciler builds a reconciler. onFinal, when set, receives every kept pair.
func NewReconciler(mode DeltaMode, onFinal func(Pair)) *Reconciler {
	if mode == "" {
		mode = DeltaCumulative
	}
	return &Reconciler{
		mode:    mode,
		onFinal: onFinal,
		now:     time.Now,
		open:    newPair(),
	}
}

// Apply merges one transcript fragment into the open pair.
func (r *Reconciler) Apply(role Role, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &r.open.User
	if role == RoleModel {
		entry = &r.open.Model
	}
	if r.mode == DeltaIncremental {
		entry.Text += text
		return
	}
	entry.Text = text
}

// TurnComplete finalizes the open pair. A pair with text on either side is
// kept and returned; an empty pair is discarded. A fresh pair is opened either way.
func (r *Reconciler) TurnComplete() (Pair, bool) {
	return r.finalize()
}

// Finish finalizes a non-empty open pair at session teardown and drops an empty one.
func (r *Reconciler) Finish() (Pair, bool) {
	return r.finalize()
}

func (r *Reconciler) finalize() (Pair, bool) {
	r.mu.Lock()
	pair := r.open
	r.open = newPair()
	if pair.Empty() {
		r.mu.Unlock()
		return Pair{}, false
	}
	r.turns++
	pair.Turn = r.turns
	pair.User.Text = strings.TrimSpace(pair.User.Text)
	pair.Model.Text = strings.TrimSpace(pair.Model.Text)
	pair.User.Final = true
	pair.Model.Final = true
	pair.CompletedAt = r.now()
	r.history = append(r.history, pair)
	r.mu.Unlock()

	if r.onFinal != nil {
		r.onFinal(pair)
	}
	return pair, true
}

// Open returns a snapshot of the in-progress pair.
func (r *Reconciler) Open() Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// History returns the kept pairs in completion order.
func (r *Reconciler) History() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Pair(nil), r.history...)
}
