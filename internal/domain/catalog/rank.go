package catalog

import (
	"math"
	"sort"
	"strings"
)

const (
	earthRadiusMiles = 3958.8
	// DefaultRadiusMiles applies when a query carries no usable radius.
	DefaultRadiusMiles = 25.0
	// MaxAmenities caps simultaneous amenity filters; the oldest is dropped.
	MaxAmenities = 3
)

// RadiusChoices are the radii offered to clients.
var RadiusChoices = []float64{10, 15, 25}

// Preference keys scored by match percent.
const (
	PrefFenced            = "fenced"
	PrefDogs              = "dogs"
	PrefBathrooms         = "bathrooms"
	PrefShade             = "shade"
	PrefParking           = "parking"
	PrefLighting          = "lighting"
	PrefAdaptiveEquipment = "adaptiveEquipment"
	PrefIndoorPlayArea    = "indoorPlayArea"
)

// Amenity is a hard filter over a park attribute.
type Amenity struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	get   func(Park) string
}

var amenities = []Amenity{
	{ID: "shade", Label: "Shade", get: func(p Park) string { return p.Shade }},
	{ID: "bathrooms", Label: "Bathrooms", get: func(p Park) string { return boolText(p.Bathrooms) }},
	{ID: "parking", Label: "Parking", get: func(p Park) string { return p.Parking }},
	{ID: "seating", Label: "Seating", get: func(p Park) string { return p.Seating }},
	{ID: "fenced", Label: "Fenced", get: func(p Park) string { return boolText(p.Fenced) }},
	{ID: "dogsAllowed", Label: "Dogs OK", get: func(p Park) string { return boolText(p.DogsAllowed) }},
	{ID: "adaptiveEquipment", Label: "Inclusive", get: func(p Park) string { return p.AdaptiveEquipment }},
	{ID: "lighting", Label: "Lighting", get: func(p Park) string { return p.Lighting }},
}

// Amenities lists the supported amenity filters in display order.
func Amenities() []Amenity {
	out := make([]Amenity, len(amenities))
	copy(out, amenities)
	return out
}

// Query describes one ranking request.
type Query struct {
	Lat         float64
	Lng         float64
	RadiusMiles float64
	Kind        Kind
	Preferences []string
	Amenities   []string
	Search      string
	Limit       int
}

// Ranked is a park annotated for one query.
type Ranked struct {
	Park
	DistanceMiles float64 `json:"distanceMiles"`
	MatchPercent  int     `json:"matchPercent"`
}

// AmenityStat reports how many ranked parks offer an amenity.
type AmenityStat struct {
	Amenity
	Count   int `json:"count"`
	Percent int `json:"percent"`
}

// Result is the outcome of Rank.
type Result struct {
	Parks []Ranked      `json:"parks"`
	Total int           `json:"total"`
	Stats []AmenityStat `json:"amenities"`
}

// HaversineMiles is the great-circle distance between two points.
func HaversineMiles(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Pow(math.Sin(dLng/2), 2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(a))
}

// Rank scores parks of the query's kind by preference match, keeps those
// inside the radius, applies the search and amenity filters and orders by
// match percent then distance.
func Rank(parks []Park, q Query) Result {
	radius := q.RadiusMiles
	if radius <= 0 || math.IsNaN(radius) {
		radius = DefaultRadiusMiles
	}
	kind := q.Kind
	if kind == "" {
		kind = KindOutdoor
	}

	ranked := make([]Ranked, 0, len(parks))
	for _, p := range parks {
		if p.Kind != kind {
			continue
		}
		dist := HaversineMiles(q.Lat, q.Lng, p.Lat, p.Lng)
		if dist > radius {
			continue
		}
		ranked = append(ranked, Ranked{Park: p, DistanceMiles: dist, MatchPercent: MatchPercent(p, q.Preferences)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].MatchPercent != ranked[j].MatchPercent {
			return ranked[i].MatchPercent > ranked[j].MatchPercent
		}
		return ranked[i].DistanceMiles < ranked[j].DistanceMiles
	})

	if needle := strings.ToLower(strings.TrimSpace(q.Search)); needle != "" {
		filtered := ranked[:0]
		for _, r := range ranked {
			if strings.Contains(strings.ToLower(r.Name), needle) {
				filtered = append(filtered, r)
			}
		}
		ranked = filtered
	}

	stats := amenityStats(ranked)
	ranked = filterAmenities(ranked, ClampAmenities(q.Amenities))

	total := len(ranked)
	if q.Limit > 0 && len(ranked) > q.Limit {
		ranked = ranked[:q.Limit]
	}
	return Result{Parks: ranked, Total: total, Stats: stats}
}

// MatchPercent is the share of preferences a park satisfies, lighting
// counting half for partial coverage. No preferences is a full match.
func MatchPercent(p Park, prefs []string) int {
	if len(prefs) == 0 {
		return 100
	}
	var score float64
	for _, pref := range prefs {
		score += featureScore(p, pref)
	}
	return int(math.Round(score / float64(len(prefs)) * 100))
}

// ClampAmenities keeps known amenity ids, at most MaxAmenities of them,
// dropping the oldest.
func ClampAmenities(ids []string) []string {
	var out []string
	for _, id := range ids {
		if _, ok := amenityByID(id); !ok {
			continue
		}
		out = append(out, id)
	}
	if len(out) > MaxAmenities {
		out = out[len(out)-MaxAmenities:]
	}
	return out
}

func featureScore(p Park, pref string) float64 {
	var raw string
	switch pref {
	case PrefFenced:
		raw = boolText(p.Fenced)
	case PrefDogs:
		raw = boolText(p.DogsAllowed)
	case PrefBathrooms:
		raw = boolText(p.Bathrooms)
	case PrefShade:
		raw = p.Shade
	case PrefParking:
		raw = p.Parking
	case PrefAdaptiveEquipment:
		raw = p.AdaptiveEquipment
	case PrefIndoorPlayArea:
		raw = boolText(p.Kind == KindIndoor)
	case PrefLighting:
		switch strings.ToLower(strings.TrimSpace(p.Lighting)) {
		case "yes", "true", "✅", "full":
			return 1
		case "some", "partial":
			return 0.5
		}
		return 0
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "y", "1", "✅":
		return 1
	}
	return 0
}

func amenityStats(ranked []Ranked) []AmenityStat {
	if len(ranked) == 0 {
		return nil
	}
	var stats []AmenityStat
	for _, a := range amenities {
		count := 0
		for _, r := range ranked {
			if hasAmenity(a.get(r.Park)) {
				count++
			}
		}
		if count == 0 {
			continue
		}
		pct := int(math.Round(float64(count) / float64(len(ranked)) * 100))
		stats = append(stats, AmenityStat{Amenity: a, Count: count, Percent: pct})
	}
	return stats
}

func filterAmenities(ranked []Ranked, ids []string) []Ranked {
	if len(ids) == 0 {
		return ranked
	}
	out := make([]Ranked, 0, len(ranked))
outer:
	for _, r := range ranked {
		for _, id := range ids {
			a, _ := amenityByID(id)
			if !hasAmenity(a.get(r.Park)) {
				continue outer
			}
		}
		out = append(out, r)
	}
	return out
}

func amenityByID(id string) (Amenity, bool) {
	for _, a := range amenities {
		if a.ID == id {
			return a, true
		}
	}
	return Amenity{}, false
}

func hasAmenity(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "", "no", "none", "not available", "n/a", "false":
		return false
	}
	return true
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return ""
}
