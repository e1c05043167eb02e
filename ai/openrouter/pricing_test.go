package openrouter

import (
	"math"
	"testing"
)

func TestCalculateCost(t *testing.T) {
	t.Run("known model", func(t *testing.T) {
		// gpt-4o-mini: $0.15/1M prompt, $0.60/1M completion
		cost := CalculateCost("openai/gpt-4o-mini", 1_000_000, 1_000_000)
		if math.Abs(cost-0.75) > 1e-9 {
			t.Errorf("expected 0.75, got %f", cost)
		}
	})

	t.Run("partial usage", func(t *testing.T) {
		cost := CalculateCost("openai/gpt-4o", 100_000, 50_000)
		want := 0.1*2.50 + 0.05*10.00
		if math.Abs(cost-want) > 1e-9 {
			t.Errorf("expected %f, got %f", want, cost)
		}
	})

	t.Run("unknown model uses fallback", func(t *testing.T) {
		cost := CalculateCost("unknown/model", 1000, 1000)
		if cost != DefaultPricingFallback {
			t.Errorf("expected fallback %f, got %f", DefaultPricingFallback, cost)
		}
	})

	t.Run("zero tokens", func(t *testing.T) {
		cost := CalculateCost("openai/gpt-4o-mini", 0, 0)
		if cost != 0 {
			t.Errorf("expected zero cost, got %f", cost)
		}
	})
}

func TestGetPricing(t *testing.T) {
	pricing, found := GetPricing("anthropic/claude-3.5-sonnet")
	if !found {
		t.Fatal("expected pricing for claude-3.5-sonnet")
	}
	if pricing.PromptPrice != 3.00 || pricing.CompletionPrice != 15.00 {
		t.Errorf("unexpected pricing: %+v", pricing)
	}

	if _, found := GetPricing("no/such-model"); found {
		t.Error("expected no pricing for unknown model")
	}
}
