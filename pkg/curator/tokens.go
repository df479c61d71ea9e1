// Package curator supplies the reference collaborators the orchestrator
// plans with: a keyword-and-recency ContextCurator under a token budget,
// a template-driven PromptAssembler, and a ProposalGenerator that turns
// plan responses into executable changesets.
package curator

import (
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates prompt token usage. It uses the GPT-4 encoding,
// which is close enough for budgeting across the supported providers,
// and falls back to a 4-characters-per-token estimate when the codec is
// unavailable.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter. Construction never fails; a missing
// codec just means estimates come from the character fallback.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
