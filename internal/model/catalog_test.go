package model

import (
	"sort"
	"testing"

	apperrors "github.com/webai/webai/internal/common/errors"
)

func TestCatalogIncludesBaseModels(t *testing.T) {
	c := NewCatalog("gpt-5-mini")

	supported := c.Supported()
	if !sort.StringsAreSorted(supported) {
		t.Errorf("Supported() not sorted: %v", supported)
	}
	for _, id := range BaseModels {
		if !c.IsSupported(id) {
			t.Errorf("base model %q not supported", id)
		}
	}
	if len(supported) != len(BaseModels) {
		t.Errorf("expected %d models when default is a base model, got %d", len(BaseModels), len(supported))
	}
}

func TestCatalogAddsCustomDefault(t *testing.T) {
	c := NewCatalog("my-fine-tune")

	if !c.IsSupported("my-fine-tune") {
		t.Error("configured default model should be supported")
	}
	if c.Default() != "my-fine-tune" {
		t.Errorf("Default() = %q, want my-fine-tune", c.Default())
	}
	if len(c.Supported()) != len(BaseModels)+1 {
		t.Errorf("expected %d models, got %d", len(BaseModels)+1, len(c.Supported()))
	}
}

func TestValidateModel(t *testing.T) {
	c := NewCatalog("gpt-5-mini")

	if err := c.ValidateModel(""); err != nil {
		t.Errorf("empty model should be valid: %v", err)
	}
	if err := c.ValidateModel("gpt-5"); err != nil {
		t.Errorf("gpt-5 should be valid: %v", err)
	}

	err := c.ValidateModel("gpt-9000")
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	if !apperrors.IsInvalidInput(err) {
		t.Errorf("expected invalid_input error, got %v", err)
	}
}

func TestValidateReasoningEffort(t *testing.T) {
	c := NewCatalog("gpt-5-mini")

	for _, effort := range []string{"", "low", "medium", "high"} {
		if err := c.ValidateReasoningEffort(effort); err != nil {
			t.Errorf("effort %q should be valid: %v", effort, err)
		}
	}
	if err := c.ValidateReasoningEffort("maximum"); err == nil {
		t.Error("expected error for unknown effort")
	}
}

func TestEffortsByModelCoversAllModels(t *testing.T) {
	c := NewCatalog("gpt-5-mini")

	byModel := c.EffortsByModel()
	for _, id := range c.Supported() {
		efforts, ok := byModel[id]
		if !ok {
			t.Errorf("model %q missing from efforts map", id)
			continue
		}
		if len(efforts) != len(ReasoningEfforts) {
			t.Errorf("model %q has %d efforts, want %d", id, len(efforts), len(ReasoningEfforts))
		}
	}
}
