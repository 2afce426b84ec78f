package catalog

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	defaultOutdoorName = "Untitled playground"
	defaultIndoorName  = "Unnamed Indoor Play Space"
)

var linkPattern = regexp.MustCompile(`(?i)https?://[^\s")]+`)

// Record is one raw row from a sheet, keyed by column header.
type Record map[string]any

// FromRecord normalizes an outdoor sheet row. Rows without usable coordinates
// are rejected.
func FromRecord(r Record) (Park, bool) {
	lat, okLat := r.float("lat", "Lat", "latitude", "Latitude")
	lng, okLng := r.float("lng", "Lng", "longitude", "Longitude")
	if !okLat || !okLng {
		return Park{}, false
	}
	p := Park{
		ID:                r.str("id"),
		Name:              r.str("name"),
		Kind:              KindOutdoor,
		Address:           r.str("address"),
		City:              r.str("city"),
		State:             r.str("state"),
		Lat:               lat,
		Lng:               lng,
		Fenced:            r.truthy("fenced"),
		DogsAllowed:       r.truthy("dogsAllowed"),
		Bathrooms:         r.truthy("bathrooms"),
		Shade:             r.str("shade"),
		Parking:           r.str("parking"),
		Lighting:          r.str("lighting"),
		AdaptiveEquipment: r.str("adaptiveEquipment"),
		Seating:           r.str("seating"),
		Notes:             r.str("notes"),
		PackList:          r.str("packList", "pack_list", "pack_items"),
		ParentTip:         r.str("parentTip", "parent_tip"),
		TipText:           r.str("tipText", "tip_text", "parentTip"),
		TipSource:         r.str("tipSource", "tip_source", "source"),
		PhotoCredit:       strings.TrimSpace(r.str("photoCredit", "photo_credit")),
		AKA: strings.TrimSpace(r.str("aka", "AKA", "altName", "alt_name", "alternateName",
			"alternate_name", "alternativeName", "alsoKnownAs", "also_known_as", "nickname", "nickName")),
		ImageURL: r.imageURL(),
	}
	if p.ID == "" {
		p.ID = coordinateID(lat, lng)
	}
	if p.Name == "" {
		p.Name = defaultOutdoorName
	}
	return p, true
}

// FromIndoorRecord normalizes an indoor sheet row. Name and coordinates are
// required.
func FromIndoorRecord(r Record) (Park, bool) {
	lat, okLat := r.float("lat")
	lng, okLng := r.float("lng")
	name := r.str("name")
	if !okLat || !okLng || name == "" {
		return Park{}, false
	}
	p := Park{
		ID:                r.str("id"),
		Name:              name,
		Kind:              KindIndoor,
		Address:           r.str("address"),
		City:              r.str("city"),
		State:             r.str("state"),
		Lat:               lat,
		Lng:               lng,
		Bathrooms:         r.truthy("bathrooms"),
		Parking:           r.str("parking"),
		AdaptiveEquipment: r.str("adaptiveEquipment"),
		Notes:             r.str("notes"),
		ImageURL:          extractLink(r.str("imageUrl")),
		Indoor: &IndoorDetails{
			Description:      r.str("description"),
			AgeRange:         r.str("ageRange"),
			AdmissionFee:     r.str("admissionFee"),
			AdmissionNotes:   r.str("admissionNotes"),
			FoodAvailable:    r.str("foodAvailable"),
			Hours:            r.str("hours"),
			Contact:          r.str("contact"),
			Website:          r.str("website"),
			Instagram:        r.str("instagram"),
			Facebook:         r.str("facebook"),
			LiveAnnouncement: r.str("liveAnnouncement"),
			SpecialEvents:    r.str("specialEvents"),
			Perk:             r.str("perk"),
			CrowdHint:        r.str("crowdHint"),
		},
	}
	if p.ID == "" {
		p.ID = coordinateID(lat, lng)
	}
	return p, true
}

// Normalize converts a batch of rows, dropping the ones that cannot be placed.
func Normalize(records []Record, kind Kind) []Park {
	conv := FromRecord
	if kind == KindIndoor {
		conv = FromIndoorRecord
	}
	parks := make([]Park, 0, len(records))
	for _, r := range records {
		if p, ok := conv(r); ok {
			parks = append(parks, p)
		}
	}
	return parks
}

func coordinateID(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lng, 'f', -1, 64)
}

// str returns the first non-empty value among keys, stringified.
func (r Record) str(keys ...string) string {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(t)
		default:
			s = fmt.Sprint(t)
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// float returns the first non-zero finite coordinate among keys.
func (r Record) float(keys ...string) (float64, bool) {
	for _, key := range keys {
		var f float64
		switch t := r[key].(type) {
		case float64:
			f = t
		case int:
			f = float64(t)
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				continue
			}
			f = parsed
		default:
			continue
		}
		if f != 0 && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return 0, false
}

func (r Record) truthy(key string) bool {
	switch t := r[key].(type) {
	case bool:
		return t
	case string:
		v := strings.TrimSpace(t)
		return strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return false
}

// imageURL prefers an explicit photo override, then the first image-ish
// column that carries a link.
func (r Record) imageURL() string {
	override := strings.TrimSpace(r.str("photoOverride", "photo_override", "photoOverrideUrl",
		"photo_override_url", "photo override", "Photo Override"))
	if hasScheme(override) {
		return override
	}
	link := extractLink(r.str("imageUrl", "image", "photo", "photoUrl", "photo_url"))
	if hasScheme(link) {
		return link
	}
	return ""
}

// extractLink pulls a URL out of values like =IMAGE("https://...").
func extractLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := linkPattern.FindString(raw); m != "" {
		return m
	}
	return raw
}

func hasScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
