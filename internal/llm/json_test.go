package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type doc struct {
		Title string   `json:"title"`
		Items []string `json:"items"`
	}

	tests := []struct {
		name    string
		content string
		want    doc
		wantErr bool
	}{
		{
			name:    "plain",
			content: `{"title": "plan", "items": ["a", "b"]}`,
			want:    doc{Title: "plan", Items: []string{"a", "b"}},
		},
		{
			name:    "fenced",
			content: "Sure, here you go:\n```json\n{\"title\": \"plan\", \"items\": [\"a\"]}\n```\nLet me know.",
			want:    doc{Title: "plan", Items: []string{"a"}},
		},
		{
			name:    "prose around document",
			content: `The answer is {"title": "x"} as requested.`,
			want:    doc{Title: "x"},
		},
		{
			name:    "trailing commas repaired",
			content: `{"title": "plan", "items": ["a", "b",],}`,
			want:    doc{Title: "plan", Items: []string{"a", "b"}},
		},
		{
			name:    "unterminated document repaired",
			content: `{"title": "plan", "items": ["a"`,
			want:    doc{Title: "plan", Items: []string{"a"}},
		},
		{
			name:    "no json at all",
			content: "I cannot help with that.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got doc
			err := DecodeJSON(tt.content, &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSONArray(t *testing.T) {
	var got []int
	require.NoError(t, DecodeJSON("```\n[1, 2, 3]\n```", &got))
	assert.Equal(t, []int{1, 2, 3}, got)
}
