package docs

import (
	"fmt"
	"os"
	"strings"
	"time"

	"sprintd/log"
	"sprintd/state"
)

// FormatComment renders a huddle entry as a tracker comment.
func FormatComment(entry state.HuddleEntry) string {
	var b strings.Builder

	icon := "✅"
	if entry.Status != state.StatusCompleted {
		icon = "❌"
	}
	fmt.Fprintf(&b, "## %s Huddle: %s\n\n", icon, entry.Title)
	fmt.Fprintf(&b, "- **Status**: %s\n", entry.Status)
	fmt.Fprintf(&b, "- **Duration**: %s\n", entry.Duration.Round(time.Second))
	fmt.Fprintf(&b, "- **Files changed**: %d\n", entry.FilesChanged)
	fmt.Fprintf(&b, "- **Retries**: %d\n", entry.RetryCount)

	if entry.QualityResult != nil {
		fmt.Fprintf(&b, "\n### Quality gate\n\n")
		for _, c := range entry.QualityResult.Checks {
			mark := "✅"
			if !c.Passed {
				mark = "❌"
			}
			fmt.Fprintf(&b, "- %s %s", mark, c.Name)
			if c.Detail != "" && !c.Passed {
				fmt.Fprintf(&b, ": %s", firstLine(c.Detail))
			}
			b.WriteString("\n")
		}
	}

	if entry.CodeReview != nil {
		verdict := "approved"
		if !entry.CodeReview.Approved {
			verdict = "rejected"
		}
		fmt.Fprintf(&b, "\n### Challenger review\n\n%s", verdict)
		if entry.CodeReview.Feedback != "" {
			fmt.Fprintf(&b, ": %s", entry.CodeReview.Feedback)
		}
		b.WriteString("\n")
	}

	if entry.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n### Failure\n\n%s\n", entry.ErrorMessage)
	}

	return b.String()
}

// FormatLogEntry renders a huddle entry as one sprint-log block.
func FormatLogEntry(entry state.HuddleEntry) string {
	line := fmt.Sprintf("- %s #%d %s: %s (retries: %d, files: %d, took %s)",
		entry.Timestamp.Format("2006-01-02 15:04"),
		entry.IssueNumber,
		entry.Title,
		entry.Status,
		entry.RetryCount,
		entry.FilesChanged,
		entry.Duration.Round(time.Second),
	)
	if entry.ErrorMessage != "" {
		line += fmt.Sprintf("\n  - failure: %s", firstLine(entry.ErrorMessage))
	}
	return line + "\n"
}

// Logger appends human-readable entries to a per-sprint log file.
type Logger struct {
	path string
}

// NewLogger creates a sprint log writer for the given file.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// AppendHuddle appends a formatted huddle entry.
func (l *Logger) AppendHuddle(entry state.HuddleEntry) error {
	return l.append(FormatLogEntry(entry))
}

// AppendSection appends a free-form markdown block, typically phase notes.
func (l *Logger) AppendSection(block string) error {
	if !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	return l.append("\n" + block)
}

// AppendPhase appends a phase transition line.
func (l *Logger) AppendPhase(from, to state.SprintPhase) error {
	return l.append(fmt.Sprintf("- %s phase %s -> %s\n", time.Now().Format("2006-01-02 15:04"), from, to))
}

func (l *Logger) append(text string) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open sprint log %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("failed to append to sprint log %s: %w", l.path, err)
	}
	log.DebugLog.Printf("appended sprint log entry to %s", l.path)
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
