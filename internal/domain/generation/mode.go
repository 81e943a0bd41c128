package generation

import (
	"strings"

	"github.com/decorai/decorai-api/internal/pkg/validator"
)

// Mode selects the transformation a job performs.
type Mode string

const (
	ModeVision3D       Mode = "vision_3d"
	ModeRedesign2D     Mode = "redesign_2d"
	ModeVirtualStaging Mode = "virtual_staging"
	ModeFreestyle      Mode = "freestyle"
	ModeObjectRemoval  Mode = "object_removal"
	ModeColorMaterial  Mode = "color_material"
)

// AllModes lists every mode a Backends registry must serve.
var AllModes = []Mode{
	ModeVision3D,
	ModeRedesign2D,
	ModeVirtualStaging,
	ModeFreestyle,
	ModeObjectRemoval,
	ModeColorMaterial,
}

// Older clients still send these names.
var modeAliases = map[string]Mode{
	"3d_vision":   ModeVision3D,
	"2d_redesign": ModeRedesign2D,
}

const (
	PriorityStandard = 1
	PriorityStaging  = 2
)

func init() {
	names := make([]string, 0, len(AllModes)+len(modeAliases))
	for _, m := range AllModes {
		names = append(names, string(m))
	}
	for alias := range modeAliases {
		names = append(names, alias)
	}
	validator.RegisterOneOf("generation_mode", names, "Must be one of: "+strings.Join(names, ", "))
}

// ParseMode resolves a mode name or alias.
func ParseMode(s string) (Mode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if m, ok := modeAliases[s]; ok {
		return m, true
	}
	m := Mode(s)
	return m, m.Valid()
}

// Valid reports whether m is one of AllModes.
func (m Mode) Valid() bool {
	for _, known := range AllModes {
		if m == known {
			return true
		}
	}
	return false
}

// RequiresImage reports whether the mode transforms an input photo.
func (m Mode) RequiresImage() bool {
	return m != ModeFreestyle
}

// RequiresPrompt reports whether the mode has nothing to work from but text.
func (m Mode) RequiresPrompt() bool {
	return m == ModeFreestyle
}

// Priority is the admission tier. Higher is preferred.
func (m Mode) Priority() int {
	if m == ModeVirtualStaging {
		return PriorityStaging
	}
	return PriorityStandard
}

// CreditCost is the price of one job. Premium styles add one credit.
func CreditCost(m Mode, premium bool) int {
	cost := 1
	if m == ModeVirtualStaging {
		cost = 2
	}
	if premium {
		cost++
	}
	return cost
}
