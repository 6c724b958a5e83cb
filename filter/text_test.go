package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain text", input: "hi there", expected: "hi there"},
		{name: "surrounding space", input: "  hi \n", expected: "hi"},
		{name: "markup removed", input: "<b>bold</b> move", expected: "bold move"},
		{name: "script dropped", input: "hello<script>alert(1)</script>", expected: "hello"},
		{name: "special characters kept", input: "a & b < c", expected: "a & b < c"},
		{name: "only markup", input: "<img src=x onerror=alert(1)>", expected: ""},
		{name: "tag-shaped text removed", input: "Team <x> Alpha", expected: "Team  Alpha"},
	}
	s := NewText()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, s.Sanitize(tt.input))
		})
	}
}
