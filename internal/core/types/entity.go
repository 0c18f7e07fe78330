package types

import (
	"strings"
)

const contextLength = 20

// Entity is a labelled span of an input text. Start and End are byte offsets.
type Entity struct {
	Label    string  `json:"label"`
	Text     string  `json:"text"`
	Start    int     `json:"start"`
	End      int     `json:"end"`
	Score    float32 `json:"score"`
	LContext string  `json:"left_context,omitempty"`
	RContext string  `json:"right_context,omitempty"`
}

// CreateEntity clamps the span to the text and captures a little surrounding context.
func CreateEntity(label string, text string, start int, end int, score float32) Entity {
	start = max(0, min(start, len(text)))
	end = max(start, min(end, len(text)))

	return Entity{
		Label:    label,
		Text:     strings.ToValidUTF8(text[start:end], ""),
		Start:    start,
		End:      end,
		Score:    score,
		LContext: strings.ToValidUTF8(text[max(0, start-contextLength):start], ""),
		RContext: strings.ToValidUTF8(text[end:min(len(text), end+contextLength)], ""),
	}
}
