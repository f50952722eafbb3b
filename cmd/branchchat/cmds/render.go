package cmds

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
)

// printState prints the visible path. The default system prompt is only
// shown with all set.
func printState(w io.Writer, s *conversation.VisibleState, all bool) {
	if s == nil {
		return
	}
	if s.Thread != nil {
		header := fmt.Sprintf("thread %d", s.Thread.RootID)
		if s.Thread.Name != "" {
			header += ": " + s.Thread.Name
		}
		if s.Thread.CommandMode {
			header += " (command mode)"
		}
		fmt.Fprintln(w, header)
		fmt.Fprintln(w)
	}
	for _, e := range s.Entries() {
		if e.IsDefaultSystemPrompt && !all {
			continue
		}
		fmt.Fprintln(w, entryHeader(e))
		fmt.Fprintln(w, e.Message.Content)
		fmt.Fprintln(w)
	}
}

func entryHeader(e conversation.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s", e.Message.ID, e.Message.Role)
	if e.SiblingCount > 1 {
		fmt.Fprintf(&sb, " [%d/%d]", e.SiblingIndex+1, e.SiblingCount)
	}
	if e.Message.Status != store.StatusComplete {
		fmt.Fprintf(&sb, " (%s)", e.Message.Status)
	}
	if e.Message.Bookmarked {
		sb.WriteString(" *")
		if e.Message.Note != "" {
			sb.WriteString(" " + e.Message.Note)
		}
	}
	return sb.String()
}

// firstLine shortens content to its first line for list output.
func firstLine(content string, n int) string {
	line, _, cut := strings.Cut(strings.TrimSpace(content), "\n")
	r := []rune(line)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	if cut {
		return line + " ..."
	}
	return line
}

func printMessages(w io.Writer, msgs []*store.Message) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tCREATED\tNOTE\tCONTENT")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			m.ID, m.Role, m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Note, firstLine(m.Content, 60))
	}
	return tw.Flush()
}
