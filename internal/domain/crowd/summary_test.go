package crowd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func countsOf(values map[Category]int) CountsSnapshot {
	counts := NewCounts()
	for cat, v := range values {
		counts[cat] = v
	}
	return counts
}

func TestDominantPriorityOrder(t *testing.T) {
	tests := []struct {
		name   string
		counts map[Category]int
		record *CrowdRecord
		kind   SummaryKind
		tone   Tone
	}{
		{"closed beats everything", map[Category]int{CategoryClosed: 1, CategoryConcerns: 5, CategoryCrowded: 10}, nil, SummaryClosed, ToneDanger},
		{"record status closed", map[Category]int{CategoryClean: 4}, &CrowdRecord{Status: StatusClosed}, SummaryClosed, ToneDanger},
		{"three concerns", map[Category]int{CategoryConcerns: 3, CategoryCrowded: 9}, nil, SummaryMultipleConcerns, ToneDanger},
		{"one concern", map[Category]int{CategoryConcerns: 1, CategoryWetGround: 4}, nil, SummaryHeadsUp, ToneWarn},
		{"two concerns", map[Category]int{CategoryConcerns: 2}, nil, SummaryHeadsUp, ToneWarn},
		{"wet equipment", map[Category]int{CategoryWetGround: 2, CategoryCrowded: 8}, nil, SummaryWetEquipment, ToneWarn},
		{"busy dominates calm", map[Category]int{CategoryCrowded: 3, CategoryClean: 2}, nil, SummaryBusy, ToneBusy},
		{"busy needs at least three", map[Category]int{CategoryCrowded: 2}, nil, SummaryLookingGood, TonePositive},
		{"busy must match calm signals", map[Category]int{CategoryCrowded: 4, CategoryClean: 4, CategoryWetGround: 1}, nil, SummaryWideOpen, TonePositive},
		{"wide open", map[Category]int{CategoryClean: 1}, nil, SummaryWideOpen, TonePositive},
		{"idle", map[Category]int{}, nil, SummaryIdle, ToneIdle},
		{"only ice cream", map[Category]int{CategoryIceCream: 2}, nil, SummaryLookingGood, TonePositive},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Dominant(countsOf(tc.counts), tc.record)
			require.Equal(t, tc.kind, got.Kind)
			require.Equal(t, tc.tone, got.Tone)
			require.NotEmpty(t, got.Title)
			require.NotEmpty(t, got.Body)
		})
	}
}

func TestDominantPluralization(t *testing.T) {
	one := Dominant(countsOf(map[Category]int{CategoryClosed: 1}), nil)
	require.Contains(t, one.Body, "One family says")

	two := Dominant(countsOf(map[Category]int{CategoryClosed: 2}), nil)
	require.Contains(t, two.Body, "2 families say")

	heads := Dominant(countsOf(map[Category]int{CategoryConcerns: 2}), nil)
	require.Contains(t, heads.Body, "2 families shared")

	statusOnly := Dominant(NewCounts(), &CrowdRecord{Status: StatusClosed})
	require.NotContains(t, statusOnly.Body, "0 families")
}

func TestBannersOrderAndCounts(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	counts := countsOf(map[Category]int{
		CategoryClean:    2,
		CategoryIceCream: 1,
		CategoryClosed:   1,
		CategoryCrowded:  3,
	})
	local := LocalSignal{CategoryConcerns: now.Add(time.Minute)}

	banners := Banners(counts, local, now)
	got := make([]Category, 0, len(banners))
	for _, b := range banners {
		got = append(got, b.Category)
	}
	require.Equal(t, []Category{CategoryClosed, CategoryConcerns, CategoryCrowded, CategoryClean, CategoryIceCream}, got)

	require.Equal(t, 1, banners[1].Count)
	require.True(t, banners[1].LocalOnly)
	require.Equal(t, "family", banners[1].Unit)
	require.Equal(t, "families", banners[2].Unit)
	require.Equal(t, "Sweet tip: Treat truck spotted nearby!", banners[4].Message)
}

func TestBannerLocalOnlySuppression(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	local := LocalSignal{CategoryClean: now.Add(15 * time.Minute)}

	alone := Banners(NewCounts(), local, now)
	require.Len(t, alone, 1)
	require.True(t, alone[0].LocalOnly)
	require.Contains(t, alone[0].Message, "You marked this park clean")

	joined := Banners(countsOf(map[Category]int{CategoryClean: 1}), local, now)
	require.Len(t, joined, 1)
	require.False(t, joined[0].LocalOnly)
	require.Equal(t, 1, joined[0].Count)
	require.Equal(t, "One family says everything looks tidy and ready to play!", joined[0].Message)

	many := Banners(countsOf(map[Category]int{CategoryClean: 2}), local, now)
	require.Equal(t, "2 families say everything looks tidy and ready to play!", many[0].Message)
}

func TestEffectiveCountsNeverDoubleCount(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	local := LocalSignal{
		CategoryConcerns: now.Add(time.Minute),
		CategoryClean:    now.Add(time.Minute),
		CategoryCrowded:  now.Add(-time.Second),
	}
	counts := countsOf(map[Category]int{CategoryClean: 3})

	eff := EffectiveCounts(counts, local, now)
	require.Equal(t, 1, eff[CategoryConcerns])
	require.Equal(t, 3, eff[CategoryClean])
	require.Equal(t, 0, eff[CategoryCrowded])
	require.Len(t, eff, len(Categories()))
}

func TestHighlight(t *testing.T) {
	empty := Highlight(nil)
	require.True(t, empty.ShowPrompt)
	require.Contains(t, empty.Line, "No updates yet")

	one := Highlight([]Banner{{Category: CategoryClean, Count: 1}})
	require.Equal(t, "Live look from local families: 1 update today.", one.Line)

	many := Highlight([]Banner{{Count: 2}, {Count: 3}})
	require.Equal(t, 5, many.TotalReports)
	require.Equal(t, 3, many.MaxCount)
	require.Equal(t, "Live look from local families: 5 updates today.", many.Line)
}
