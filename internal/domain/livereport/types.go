package livereport

import (
	"context"
	"time"

	"github.com/yanqian/playgrounded/internal/domain/crowd"
)

// Config captures the workflow timings.
type Config struct {
	SignalTTL      time.Duration
	Cooldown       time.Duration
	Flash          time.Duration
	ErrorTTL       time.Duration
	SessionIdleTTL time.Duration
	StoragePrefix  string
}

// DefaultConfig returns the canonical timings.
func DefaultConfig() Config {
	return Config{
		SignalTTL:      15 * time.Minute,
		Cooldown:       10 * time.Second,
		Flash:          600 * time.Millisecond,
		ErrorTTL:       4 * time.Second,
		SessionIdleTTL: 30 * time.Minute,
		StoragePrefix:  "playgrounded::live",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SignalTTL <= 0 {
		c.SignalTTL = def.SignalTTL
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.Flash <= 0 {
		c.Flash = def.Flash
	}
	if c.ErrorTTL <= 0 {
		c.ErrorTTL = def.ErrorTTL
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = def.SessionIdleTTL
	}
	if c.StoragePrefix == "" {
		c.StoragePrefix = def.StoragePrefix
	}
	return c
}

// Feed is the slice of the aggregation client the workflow depends on.
type Feed interface {
	Configured() bool
	Subscribe(parkID string, listener crowd.Listener) crowd.Subscription
	Submit(ctx context.Context, parkID string, category crowd.Category) error
}

// SubmissionState is the per-(park, category) machine state.
type SubmissionState string

const (
	StateIdle       SubmissionState = "idle"
	StateSubmitting SubmissionState = "submitting"
	StateCooldown   SubmissionState = "cooldown"
	StateRolledBack SubmissionState = "rolled_back"
)

// Action says what a tap did.
type Action string

const (
	ActionSubmitted  Action = "submitted"
	ActionUndone     Action = "undone"
	ActionRolledBack Action = "rolled_back"
)

// SubmitErrorMessage is shown for ErrorTTL after a failed submission.
const SubmitErrorMessage = "Could not submit update."

// Button is the render state of one category button.
type Button struct {
	crowd.CategoryInfo
	Count       int             `json:"count"`
	State       SubmissionState `json:"state"`
	LocalActive bool            `json:"localActive"`
	Sent        bool            `json:"sent"`
	Flashing    bool            `json:"flashing"`
	Disabled    bool            `json:"disabled"`
	UndoHint    bool            `json:"undoHint"`
}

// View is everything a client needs to render one park's live section.
type View struct {
	ParkID     string               `json:"parkId"`
	Version    uint64               `json:"version"`
	Status     crowd.FeedStatus     `json:"status"`
	Note       string               `json:"note,omitempty"`
	Feed       crowd.FeedStatus     `json:"feed"`
	UpdatedAt  time.Time            `json:"updatedAt,omitempty"`
	Configured bool                 `json:"configured"`
	Counts     crowd.CountsSnapshot `json:"counts"`
	Buttons    []Button             `json:"buttons"`
	Summary    crowd.Summary        `json:"summary"`
	Banners    []crowd.Banner       `json:"banners"`
	Highlights crowd.Highlights     `json:"highlights"`
	Error      string               `json:"error,omitempty"`
}

// Button returns the button for category.
func (v View) Button(category crowd.Category) (Button, bool) {
	for _, b := range v.Buttons {
		if b.Key == category {
			return b, true
		}
	}
	return Button{}, false
}

// Outcome is the result of a tap.
type Outcome struct {
	Action   Action          `json:"action"`
	Category crowd.Category  `json:"category"`
	State    SubmissionState `json:"state"`
	View     View            `json:"view"`
}
