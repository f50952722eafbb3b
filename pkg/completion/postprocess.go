package completion

import (
	"strings"
)

const fence = "```"

// languageTags are the fence info strings dropped from an extracted block.
// Anything else on the opening fence line is treated as code, so a reply like
// "```ls\npwd\n```" keeps both commands.
var languageTags = map[string]struct{}{
	"bash": {}, "sh": {}, "shell": {}, "zsh": {}, "fish": {}, "console": {}, "shell-session": {},
	"powershell": {}, "ps1": {}, "pwsh": {}, "cmd": {}, "bat": {}, "batch": {},
	"python": {}, "py": {}, "go": {}, "golang": {}, "javascript": {}, "js": {}, "typescript": {}, "ts": {},
	"json": {}, "yaml": {}, "yml": {}, "toml": {}, "ini": {}, "xml": {}, "html": {}, "css": {},
	"sql": {}, "ruby": {}, "rb": {}, "perl": {}, "php": {}, "rust": {}, "rs": {},
	"c": {}, "cpp": {}, "c++": {}, "csharp": {}, "cs": {}, "java": {}, "kotlin": {}, "swift": {},
	"lua": {}, "r": {}, "diff": {}, "patch": {}, "dockerfile": {}, "makefile": {}, "make": {},
	"text": {}, "txt": {}, "plaintext": {}, "markdown": {}, "md": {}, "awk": {}, "sed": {},
}

func isLanguageTag(s string) bool {
	_, ok := languageTags[strings.ToLower(s)]
	return ok
}

// ExtractCodeBlock returns the body of the first fenced code block in content.
// A known language tag on the opening fence line is dropped when more lines
// follow it. ok is false when content has no complete block.
func ExtractCodeBlock(content string) (string, bool) {
	start := strings.Index(content, fence)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(fence):]
	end := strings.Index(rest, fence)
	if end < 0 {
		return "", false
	}
	body := rest[:end]

	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag == "" || (isLanguageTag(tag) && strings.TrimSpace(body[nl+1:]) != "") {
			body = body[nl+1:]
		}
	}
	return strings.TrimRight(body, "\n"), true
}
