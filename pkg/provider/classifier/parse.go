package classifier

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResult extracts a [Result] from a model reply. The reply may wrap the
// JSON object in prose or a Markdown code fence.
func ParseResult(content string) (Result, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("%w: no JSON object in reply", ErrClassifier)
	}

	var r Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return Result{}, fmt.Errorf("%w: decode reply: %v", ErrClassifier, err)
	}
	r.Emotion = strings.ToLower(strings.TrimSpace(r.Emotion))
	if r.Emotion == "" {
		return Result{}, fmt.Errorf("%w: reply has no emotion label", ErrClassifier)
	}
	r.Confidence = min(max(r.Confidence, 0), 1)
	return r, nil
}
