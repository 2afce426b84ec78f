package crowd

import "strings"

// Category is one fixed type of crowd report.
type Category string

const (
	CategoryClean     Category = "clean"
	CategoryWetGround Category = "wetGround"
	CategoryCrowded   Category = "crowded"
	CategoryConcerns  Category = "concerns"
	CategoryClosed    Category = "closed"
	CategoryIceCream  Category = "iceCream"
)

// Tone drives how a banner or category is styled by clients.
type Tone string

const (
	TonePositive Tone = "positive"
	ToneInfo     Tone = "info"
	ToneWarn     Tone = "warn"
	ToneDanger   Tone = "danger"
	ToneTreat    Tone = "treat"
	ToneBusy     Tone = "busy"
	ToneIdle     Tone = "idle"
)

// CategoryInfo is the display and wire metadata of a Category.
type CategoryInfo struct {
	Key       Category `json:"key"`
	ServerKey string   `json:"serverKey"`
	Icon      string   `json:"icon"`
	Label     string   `json:"label"`
	Legend    string   `json:"legend"`
	Tone      Tone     `json:"tone"`
}

// categoryTable is the only place the category/server-key mapping lives.
// Order is the button order.
var categoryTable = []CategoryInfo{
	{Key: CategoryClean, ServerKey: "clean", Icon: "🧼", Label: "Clean", Legend: "litter-free", Tone: TonePositive},
	{Key: CategoryWetGround, ServerKey: "conditions", Icon: "💧", Label: "Wet Ground", Legend: "surfaces are wet", Tone: ToneInfo},
	{Key: CategoryCrowded, ServerKey: "crowded", Icon: "🚸", Label: "Crowded", Legend: "busy now", Tone: ToneWarn},
	{Key: CategoryConcerns, ServerKey: "concerns", Icon: "⚠️", Label: "Concerns", Legend: "needs attention", Tone: ToneDanger},
	{Key: CategoryClosed, ServerKey: "closed", Icon: "🚫", Label: "Closed", Legend: "not open", Tone: ToneDanger},
	{Key: CategoryIceCream, ServerKey: "icecream", Icon: "🍦", Label: "Ice Cream", Legend: "treat truck spotted", Tone: ToneTreat},
}

// bannerPriority orders the per-category banner list.
var bannerPriority = []Category{
	CategoryClosed,
	CategoryConcerns,
	CategoryCrowded,
	CategoryWetGround,
	CategoryClean,
	CategoryIceCream,
}

var aliases = map[string]Category{
	"clean":      CategoryClean,
	"wetground":  CategoryWetGround,
	"wet_ground": CategoryWetGround,
	"wet":        CategoryWetGround,
	"conditions": CategoryWetGround,
	"crowded":    CategoryCrowded,
	"busy":       CategoryCrowded,
	"concerns":   CategoryConcerns,
	"concern":    CategoryConcerns,
	"closed":     CategoryClosed,
	"icecream":   CategoryIceCream,
	"ice_cream":  CategoryIceCream,
	"ice":        CategoryIceCream,
	"treat":      CategoryIceCream,
}

// Categories returns every category in button order.
func Categories() []Category {
	out := make([]Category, 0, len(categoryTable))
	for _, info := range categoryTable {
		out = append(out, info.Key)
	}
	return out
}

// CategoryTable returns a copy of the metadata table.
func CategoryTable() []CategoryInfo {
	out := make([]CategoryInfo, len(categoryTable))
	copy(out, categoryTable)
	return out
}

// ParseCategory resolves a category key, server key or known alias, case-insensitively.
func ParseCategory(raw string) (Category, bool) {
	c, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	return c, ok
}

// Valid reports whether c is one of the six categories.
func (c Category) Valid() bool {
	_, ok := c.info()
	return ok
}

// ServerKey is the field name the aggregation endpoint uses for c.
func (c Category) ServerKey() string {
	info, _ := c.info()
	return info.ServerKey
}

// Info returns the display metadata for c.
func (c Category) Info() CategoryInfo {
	info, _ := c.info()
	return info
}

func (c Category) info() (CategoryInfo, bool) {
	for _, info := range categoryTable {
		if info.Key == c {
			return info, true
		}
	}
	return CategoryInfo{}, false
}
