package style

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// Category groups styles in the catalog.
type Category string

const (
	CategoryAfrican     Category = "african"
	CategoryLuxury      Category = "luxury"
	CategoryModern      Category = "modern"
	CategoryTraditional Category = "traditional"
	CategoryEclectic    Category = "eclectic"
	CategoryRetro       Category = "retro"
)

// Style is a preset whose keywords are blended into generation prompts.
type Style struct {
	ID             uuid.UUID          `db:"id" json:"id"`
	Slug           string             `db:"slug" json:"slug"`
	Name           string             `db:"name" json:"name"`
	Category       Category           `db:"category" json:"category"`
	Description    *string            `db:"description" json:"description,omitempty"`
	Keywords       string             `db:"keywords" json:"keywords"`
	ThumbnailURL   *string            `db:"thumbnail_url" json:"thumbnail_url,omitempty"`
	IsPremium      bool               `db:"is_premium" json:"is_premium"`
	IsActive       bool               `db:"is_active" json:"is_active"`
	Popularity     int                `db:"popularity" json:"popularity"`
	UsageCount     int                `db:"usage_count" json:"usage_count"`
	AdvancedParams types.NullJSONText `db:"advanced_params" json:"advanced_params"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
}

// PromptKeywords returns the keywords with surrounding noise trimmed.
func (s *Style) PromptKeywords() string {
	return strings.Trim(strings.TrimSpace(s.Keywords), ",")
}

// ListFilter narrows catalog listing.
type ListFilter struct {
	Category *Category
	Premium  *bool
	Sort     string // popularity (default), usage, name, newest
}

var sortColumns = map[string]string{
	"popularity": "popularity DESC, name",
	"usage":      "usage_count DESC, name",
	"name":       "name ASC",
	"newest":     "created_at DESC",
}
