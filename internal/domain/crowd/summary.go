package crowd

import (
	"fmt"
	"time"
)

// SummaryKind identifies which rule produced the dominant summary.
type SummaryKind string

const (
	SummaryClosed           SummaryKind = "closed"
	SummaryMultipleConcerns SummaryKind = "multiple_concerns"
	SummaryHeadsUp          SummaryKind = "heads_up"
	SummaryWetEquipment     SummaryKind = "wet_equipment"
	SummaryBusy             SummaryKind = "busy"
	SummaryWideOpen         SummaryKind = "wide_open"
	SummaryIdle             SummaryKind = "idle"
	SummaryLookingGood      SummaryKind = "looking_good"
)

// Summary is the single dominant status banner for a park.
type Summary struct {
	Kind  SummaryKind `json:"kind"`
	Emoji string      `json:"emoji"`
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Tone  Tone        `json:"tone"`
}

// Banner is one per-category status line.
type Banner struct {
	Category  Category `json:"category"`
	Icon      string   `json:"icon"`
	Label     string   `json:"label"`
	Legend    string   `json:"legend"`
	Tone      Tone     `json:"tone"`
	Count     int      `json:"count"`
	Unit      string   `json:"unit"`
	Message   string   `json:"message"`
	LocalOnly bool     `json:"localOnly"`
}

// EffectiveCount is the single merge rule between a displayed count and this
// session's own report: max(count, localActive ? 1 : 0).
func EffectiveCount(count int, localActive bool) int {
	if count < 0 {
		count = 0
	}
	if localActive && count < 1 {
		return 1
	}
	return count
}

// EffectiveCounts applies EffectiveCount to every category.
func EffectiveCounts(counts CountsSnapshot, local LocalSignal, now time.Time) CountsSnapshot {
	out := NewCounts()
	for _, cat := range Categories() {
		out[cat] = EffectiveCount(counts.Get(cat), local.Active(cat, now))
	}
	return out
}

// Dominant evaluates the summary rules in strict priority order; closures and
// hazards are never hidden behind a busier signal.
func Dominant(counts CountsSnapshot, record *CrowdRecord) Summary {
	clean := counts.Get(CategoryClean)
	wet := counts.Get(CategoryWetGround)
	crowded := counts.Get(CategoryCrowded)
	concerns := counts.Get(CategoryConcerns)
	closed := counts.Get(CategoryClosed)

	switch {
	case record.IsClosed() || closed > 0:
		return Summary{
			Kind:  SummaryClosed,
			Emoji: "🚫",
			Title: "Marked Closed",
			Body:  closedBody(closed),
			Tone:  ToneDanger,
		}
	case concerns >= 3:
		return Summary{
			Kind:  SummaryMultipleConcerns,
			Emoji: "⚠️",
			Title: "Multiple Concerns",
			Body:  fmt.Sprintf("%d families spotted something that needs attention. Have a backup plan just in case.", concerns),
			Tone:  ToneDanger,
		}
	case concerns > 0:
		return Summary{
			Kind:  SummaryHeadsUp,
			Emoji: "⚠️",
			Title: "Heads Up!",
			Body:  families(concerns, "One family shared", "families shared") + " a concern. Check conditions on arrival.",
			Tone:  ToneWarn,
		}
	case wet >= 2:
		return Summary{
			Kind:  SummaryWetEquipment,
			Emoji: "💧",
			Title: "Wet Equipment",
			Body:  fmt.Sprintf("%d reports of damp equipment. Bring towels or water shoes.", wet),
			Tone:  ToneWarn,
		}
	case crowded >= max(3, clean+wet):
		return Summary{
			Kind:  SummaryBusy,
			Emoji: "🎉",
			Title: "Busy & Lively",
			Body:  "Expect a lively crowd right now. Great energy if your crew loves friends.",
			Tone:  ToneBusy,
		}
	case clean+wet > 0:
		return Summary{
			Kind:  SummaryWideOpen,
			Emoji: "🌿",
			Title: "Wide Open",
			Body:  "Families say it feels relaxed with good conditions.",
			Tone:  TonePositive,
		}
	case counts.Total() == 0:
		return Summary{
			Kind:  SummaryIdle,
			Emoji: "📡",
			Title: "Live reporting",
			Body:  "No updates yet. Tap a button to share what you see.",
			Tone:  ToneIdle,
		}
	default:
		return Summary{
			Kind:  SummaryLookingGood,
			Emoji: "🌤️",
			Title: "Looking Good",
			Body:  "Reports look positive. Have fun out there!",
			Tone:  TonePositive,
		}
	}
}

func closedBody(closed int) string {
	if closed <= 0 {
		return "This playground is marked closed. Double-check before heading out."
	}
	return families(closed, "One family says", "families say") + " this playground is currently closed. Double-check before heading out."
}

// families renders "One family ..." for n == 1 and "n families ..." otherwise.
func families(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return fmt.Sprintf("%d %s", n, plural)
}

// Banners builds one banner per category whose effective count is positive,
// ordered closed, concerns, crowded, wetGround, clean, iceCream.
// counts are the displayed counts before the local merge.
func Banners(counts CountsSnapshot, local LocalSignal, now time.Time) []Banner {
	banners := make([]Banner, 0, len(categoryTable))
	for _, cat := range bannerPriority {
		server := counts.Get(cat)
		localActive := local.Active(cat, now)
		effective := EffectiveCount(server, localActive)
		if effective <= 0 {
			continue
		}
		localOnly := server == 0 && localActive
		info := cat.Info()
		unit := "families"
		if effective == 1 {
			unit = "family"
		}
		banners = append(banners, Banner{
			Category:  cat,
			Icon:      info.Icon,
			Label:     info.Label,
			Legend:    info.Legend,
			Tone:      info.Tone,
			Count:     effective,
			Unit:      unit,
			Message:   bannerMessage(cat, effective, localOnly),
			LocalOnly: localOnly,
		})
	}
	return banners
}

func bannerMessage(cat Category, count int, localOnly bool) string {
	switch cat {
	case CategoryClean:
		if localOnly {
			return "You marked this park clean. Thanks for keeping families informed!"
		}
		return families(count, "One family says", "families say") + " everything looks tidy and ready to play!"
	case CategoryWetGround:
		if localOnly {
			return "You marked wet equipment. We'll keep it highlighted for 15 minutes."
		}
		return families(count, "One report", "reports") + " of damp equipment. Pack towels or water shoes."
	case CategoryCrowded:
		if localOnly {
			return "You marked it crowded. Thanks for the heads-up!"
		}
		return families(count, "One family says", "families say") + " it's hopping right now. Expect a lively crowd."
	case CategoryConcerns:
		if localOnly {
			return "You flagged a concern. Other families will see it for the next 15 minutes."
		}
		return families(count, "One family", "families") + " spotted something that needs attention."
	case CategoryClosed:
		if localOnly {
			return "You marked this playground closed. Thanks for letting everyone know!"
		}
		return families(count, "One family says", "families say") + " this playground is currently closed."
	case CategoryIceCream:
		if localOnly {
			return "You spotted a treat truck. Sweet!"
		}
		return families(count, "Sweet tip", "sweet tips") + ": Treat truck spotted nearby!"
	default:
		return ""
	}
}

// Highlights summarises the report volume line shown under the buttons.
type Highlights struct {
	TotalReports int    `json:"totalReports"`
	MaxCount     int    `json:"maxCount"`
	ShowPrompt   bool   `json:"showPrompt"`
	Line         string `json:"line"`
}

// Highlight computes the totals line from the banner list.
func Highlight(banners []Banner) Highlights {
	h := Highlights{}
	for _, b := range banners {
		h.TotalReports += b.Count
		if b.Count > h.MaxCount {
			h.MaxCount = b.Count
		}
	}
	if len(banners) == 0 {
		h.ShowPrompt = true
		h.Line = "No updates yet. Add the first report so families know what to expect."
		return h
	}
	suffix := "s"
	if h.TotalReports == 1 {
		suffix = ""
	}
	h.Line = fmt.Sprintf("Live look from local families: %d update%s today.", h.TotalReports, suffix)
	return h
}
