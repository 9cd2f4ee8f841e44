// Package model manages the catalog of language models tasks may request.
package model

import (
	"sort"

	apperrors "github.com/webai/webai/internal/common/errors"
)

// BaseModels are always offered, regardless of the configured default.
var BaseModels = []string{
	"gpt-5",
	"gpt-5-mini",
	"gpt-5-nano",
}

// ReasoningEfforts are the effort levels accepted on task creation.
var ReasoningEfforts = []string{"low", "medium", "high"}

// Catalog is the set of models a node accepts for new tasks. It is built
// once at startup from the base models plus the configured default.
type Catalog struct {
	defaultModel string
	supported    []string
	supportedSet map[string]struct{}
}

// NewCatalog builds a catalog offering the base models and the configured
// default model, deduplicated and sorted.
func NewCatalog(defaultModel string) *Catalog {
	set := make(map[string]struct{}, len(BaseModels)+1)
	for _, id := range BaseModels {
		set[id] = struct{}{}
	}
	if defaultModel != "" {
		set[defaultModel] = struct{}{}
	}

	supported := make([]string, 0, len(set))
	for id := range set {
		supported = append(supported, id)
	}
	sort.Strings(supported)

	return &Catalog{
		defaultModel: defaultModel,
		supported:    supported,
		supportedSet: set,
	}
}

// Default returns the model used when a task does not request one.
func (c *Catalog) Default() string {
	return c.defaultModel
}

// Supported returns the offered model IDs in sorted order.
func (c *Catalog) Supported() []string {
	out := make([]string, len(c.supported))
	copy(out, c.supported)
	return out
}

// IsSupported reports whether the given model ID is offered.
func (c *Catalog) IsSupported(id string) bool {
	_, ok := c.supportedSet[id]
	return ok
}

// ValidateModel checks a requested model ID. An empty ID is valid and
// means "use the default".
func (c *Catalog) ValidateModel(id string) error {
	if id == "" {
		return nil
	}
	if !c.IsSupported(id) {
		return apperrors.InvalidInput("Unsupported model requested.")
	}
	return nil
}

// ValidateReasoningEffort checks a requested effort level. An empty value
// is valid and means "provider default".
func (c *Catalog) ValidateReasoningEffort(effort string) error {
	if effort == "" {
		return nil
	}
	for _, e := range ReasoningEfforts {
		if e == effort {
			return nil
		}
	}
	return apperrors.InvalidInput("Unsupported reasoning effort requested.")
}

// EffortsByModel maps each supported model to the effort levels it accepts.
// All current models accept the full set.
func (c *Catalog) EffortsByModel() map[string][]string {
	out := make(map[string][]string, len(c.supported))
	for _, id := range c.supported {
		efforts := make([]string, len(ReasoningEfforts))
		copy(efforts, ReasoningEfforts)
		out[id] = efforts
	}
	return out
}
