package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"language tag", "Try:\n```bash\nls -la\n```", "ls -la", true},
		{"no tag", "```\ngit status\n```", "git status", true},
		{"inline", "use ```pwd``` here", "pwd", true},
		{"first of two", "```sh\nfirst\n``` then ```sh\nsecond\n```", "first", true},
		{"multi line", "```\necho a\necho b\n```", "echo a\necho b", true},
		{"command on fence line", "```ls\npwd\n```", "ls\npwd", true},
		{"tag case insensitive", "```Bash\nls\n```", "ls", true},
		{"tag alone", "```bash\n```", "bash", true},
		{"unterminated", "```bash\nls", "", false},
		{"none", "just text", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractCodeBlock(tt.content)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
