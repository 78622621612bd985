package entity

import "time"

// Retention is the policy attached to a layer descriptor.
type Retention struct {
	MaxAge                time.Duration `json:"max_age" yaml:"max_age"`
	MaxItems              int           `json:"max_items" yaml:"max_items"`
	ConsolidationInterval time.Duration `json:"consolidation_interval" yaml:"consolidation_interval"`
}

// LayerInfo is a static layer descriptor. Loaded once at engine
// construction, never mutated at runtime.
type LayerInfo struct {
	Layer       Layer     `json:"layer" yaml:"layer"`
	Label       string    `json:"label" yaml:"label"`
	Description string    `json:"description" yaml:"description"`
	Retention   Retention `json:"retention" yaml:"retention"`
}

// DefaultLayers returns the built-in layer descriptors.
func DefaultLayers() []LayerInfo {
	return []LayerInfo{
		{
			Layer:       LayerWorking,
			Label:       "Working Memory",
			Description: "Short-lived scratch space for fresh captures",
			Retention: Retention{
				MaxAge:                7 * 24 * time.Hour,
				MaxItems:              100,
				ConsolidationInterval: time.Hour,
			},
		},
		{
			Layer:       LayerEpisodic,
			Label:       "Episodic Memory",
			Description: "Time-bound experiences: people, companies, projects",
			Retention: Retention{
				MaxAge:                90 * 24 * time.Hour,
				MaxItems:              5000,
				ConsolidationInterval: 24 * time.Hour,
			},
		},
		{
			Layer:       LayerSemantic,
			Label:       "Semantic Memory",
			Description: "Durable reference knowledge: areas, resources",
			Retention: Retention{
				MaxItems:              20000,
				ConsolidationInterval: 7 * 24 * time.Hour,
			},
		},
		{
			Layer:       LayerProcedural,
			Label:       "Procedural Memory",
			Description: "Actionable know-how: tasks and routines",
			Retention: Retention{
				MaxAge:                30 * 24 * time.Hour,
				MaxItems:              2000,
				ConsolidationInterval: 24 * time.Hour,
			},
		},
	}
}

// defaultLayerByType is the creation-time default only. Consolidation
// may park any type in any layer afterwards; nothing validates against
// this mapping once an entity exists.
var defaultLayerByType = map[Type]Layer{
	TypeDailyNote: LayerWorking,
	TypePerson:    LayerEpisodic,
	TypeCompany:   LayerEpisodic,
	TypeProject:   LayerEpisodic,
	TypeTask:      LayerProcedural,
	TypeArea:      LayerSemantic,
	TypeResource:  LayerSemantic,
}

// DefaultLayerForType returns the default layer assigned at creation.
func DefaultLayerForType(t Type) Layer {
	if l, ok := defaultLayerByType[t]; ok {
		return l
	}
	return LayerWorking
}
