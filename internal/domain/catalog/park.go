package catalog

// Kind separates outdoor playgrounds from indoor play spaces.
type Kind string

const (
	KindOutdoor Kind = "outdoor"
	KindIndoor  Kind = "indoor"
)

// ParseKind maps loose input onto a Kind, defaulting to outdoor.
func ParseKind(raw string) Kind {
	if Kind(raw) == KindIndoor {
		return KindIndoor
	}
	return KindOutdoor
}

// Park is one normalized catalog entry.
type Park struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Kind              Kind           `json:"kind"`
	Address           string         `json:"address,omitempty"`
	City              string         `json:"city,omitempty"`
	State             string         `json:"state,omitempty"`
	Lat               float64        `json:"lat"`
	Lng               float64        `json:"lng"`
	Fenced            bool           `json:"fenced"`
	DogsAllowed       bool           `json:"dogsAllowed"`
	Bathrooms         bool           `json:"bathrooms"`
	Shade             string         `json:"shade,omitempty"`
	Parking           string         `json:"parking,omitempty"`
	Lighting          string         `json:"lighting,omitempty"`
	AdaptiveEquipment string         `json:"adaptiveEquipment,omitempty"`
	Seating           string         `json:"seating,omitempty"`
	Notes             string         `json:"notes,omitempty"`
	PackList          string         `json:"packList,omitempty"`
	ParentTip         string         `json:"parentTip,omitempty"`
	TipText           string         `json:"tipText,omitempty"`
	TipSource         string         `json:"tipSource,omitempty"`
	ImageURL          string         `json:"imageUrl,omitempty"`
	PhotoCredit       string         `json:"photoCredit,omitempty"`
	AKA               string         `json:"aka,omitempty"`
	Indoor            *IndoorDetails `json:"indoor,omitempty"`
}

// IndoorDetails carries the practical info only indoor play spaces publish.
type IndoorDetails struct {
	Description      string `json:"description,omitempty"`
	AgeRange         string `json:"ageRange,omitempty"`
	AdmissionFee     string `json:"admissionFee,omitempty"`
	AdmissionNotes   string `json:"admissionNotes,omitempty"`
	FoodAvailable    string `json:"foodAvailable,omitempty"`
	Hours            string `json:"hours,omitempty"`
	Contact          string `json:"contact,omitempty"`
	Website          string `json:"website,omitempty"`
	Instagram        string `json:"instagram,omitempty"`
	Facebook         string `json:"facebook,omitempty"`
	LiveAnnouncement string `json:"liveAnnouncement,omitempty"`
	SpecialEvents    string `json:"specialEvents,omitempty"`
	Perk             string `json:"perk,omitempty"`
	CrowdHint        string `json:"crowdHint,omitempty"`
}
