package models

import "strings"

// Provider-documented free-tier limits used when a binding is seeded without
// explicit limits, and when a corrupt usage document is repaired.
var providerDefaultLimits = map[ProviderType]UsageLimits{
	ProviderGoogle:      {RPM: 15, RPD: 1500, TPM: 1_000_000},
	ProviderGroq:        {RPM: 30, RPD: 14_400, TPM: 6_000},
	ProviderDeepSeek:    {RPM: 60, TPM: 1_000_000},
	ProviderHuggingFace: {RPH: 300},
	ProviderOpenAI:      {RPM: 500, RPD: 10_000, TPM: 200_000},
	ProviderAnthropic:   {RPM: 50, TPM: 40_000},
	ProviderMistral:     {RPM: 60, TPM: 500_000},
	ProviderOpenRouter:  {RPM: 20, RPD: 200},
}

// Per-model overrides, matched by model-name prefix.
var modelDefaultLimits = []struct {
	provider ProviderType
	prefix   string
	limits   UsageLimits
}{
	{ProviderGoogle, "gemini-1.5-pro", UsageLimits{RPM: 2, RPD: 50, TPM: 32_000}},
	{ProviderGoogle, "gemini-2.5-pro", UsageLimits{RPM: 5, RPD: 100, TPM: 250_000}},
	{ProviderGoogle, "gemini-2.0-flash-lite", UsageLimits{RPM: 30, RPD: 1500, TPM: 1_000_000}},
	{ProviderGoogle, "text-embedding", UsageLimits{RPM: 1500, TPM: 1_000_000}},
	{ProviderGroq, "llama-3.3-70b", UsageLimits{RPM: 30, RPD: 1000, TPM: 12_000}},
}

// DefaultLimits returns the documented limits for a provider/model pair.
func DefaultLimits(provider ProviderType, modelName string) UsageLimits {
	name := strings.ToLower(modelName)
	for _, m := range modelDefaultLimits {
		if m.provider == provider && strings.HasPrefix(name, m.prefix) {
			return m.limits
		}
	}
	return providerDefaultLimits[provider]
}
