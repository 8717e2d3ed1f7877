package models

import (
	"fmt"
	"strings"
)

// ProviderType enumerates the upstream AI providers a credential can belong to.
type ProviderType string

const (
	ProviderGoogle      ProviderType = "GOOGLE"
	ProviderDeepSeek    ProviderType = "DEEPSEEK"
	ProviderGroq        ProviderType = "GROQ"
	ProviderHuggingFace ProviderType = "HUGGINGFACE"
	ProviderOpenAI      ProviderType = "OPENAI"
	ProviderAnthropic   ProviderType = "ANTHROPIC"
	ProviderMistral     ProviderType = "MISTRAL"
	ProviderOpenRouter  ProviderType = "OPENROUTER"
)

var knownProviders = map[ProviderType]struct{}{
	ProviderGoogle:      {},
	ProviderDeepSeek:    {},
	ProviderGroq:        {},
	ProviderHuggingFace: {},
	ProviderOpenAI:      {},
	ProviderAnthropic:   {},
	ProviderMistral:     {},
	ProviderOpenRouter:  {},
}

// Valid reports whether p is one of the known provider tags.
func (p ProviderType) Valid() bool {
	_, ok := knownProviders[p]
	return ok
}

func (p ProviderType) String() string {
	return string(p)
}

// ParseProviderType normalizes a provider tag ("google", " Groq ") into a ProviderType.
func ParseProviderType(s string) (ProviderType, error) {
	p := ProviderType(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}
