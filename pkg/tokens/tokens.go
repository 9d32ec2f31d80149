// Package tokens estimates token counts for transcript budgeting.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// Count returns the token count for text using the cl100k encoding. When the
// encoder cannot be constructed it falls back to a character-class heuristic,
// so callers always get a usable estimate.
func Count(text string) int {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil || codec == nil {
		return Estimate(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Estimate(text)
	}
	return len(ids)
}

// Estimate approximates the token count with a Unicode-aware heuristic.
// ASCII characters weigh ~4 per token; non-ASCII (CJK, Cyrillic, emoji)
// weigh ~1 per token.
func Estimate(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight += 1
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
