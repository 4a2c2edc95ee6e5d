package compose

import (
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenEstimator returns an estimated token count for a string.
type TokenEstimator func(text string) int

// NewTikTokenEstimator returns an estimator backed by tiktoken-go for the
// given model. If the model is unknown, EncodingForModel returns an error.
func NewTikTokenEstimator(model string) (TokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// HeuristicEstimator approximates tokens as characters over four. Used when
// no encoding is available for the configured model.
func HeuristicEstimator(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

// truncateToBudget trims detail from the end of s until the estimate fits.
func truncateToBudget(s string, budget int, est TokenEstimator) string {
	if budget <= 0 || est(s) <= budget {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && est(string(runes)) > budget {
		runes = runes[:len(runes)*9/10]
	}
	return string(runes) + "\n[output truncated]"
}
