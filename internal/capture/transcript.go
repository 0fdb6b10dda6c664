package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TranscriptWriter renders an ended capture session to a markdown file
// next to its event file. Registered as a session:ended consumer.
type TranscriptWriter struct {
	bus *Bus
	dir string
}

// NewTranscriptWriter creates a writer and registers it on the bus.
func NewTranscriptWriter(bus *Bus, dir string) *TranscriptWriter {
	w := &TranscriptWriter{bus: bus, dir: dir}
	bus.Register(TopicSessionEnded, w.onSessionEnded)

	return w
}

func (w *TranscriptWriter) onSessionEnded(_ context.Context, p Payload) error {
	events, err := w.bus.Events(p.Session.ID)
	if err != nil {
		return err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", orDefault(p.Session.Title, p.Session.ID))
	fmt.Fprintf(&b, "- Platform: %s\n", p.Session.Platform)
	fmt.Fprintf(&b, "- Started: %s\n", p.Session.StartedAt.Format(time.RFC3339))
	if p.Session.EndedAt != nil {
		fmt.Fprintf(&b, "- Ended: %s\n", p.Session.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Events: %d\n\n", len(events))

	for _, event := range events {
		fmt.Fprintf(&b, "## %s\n\n", event.Timestamp.Format(time.RFC3339))

		if speaker, ok := event.Data["speaker"].(string); ok {
			fmt.Fprintf(&b, "**%s**", speaker)
			if text, ok := event.Data["text"].(string); ok {
				fmt.Fprintf(&b, ": %s", text)
			}
			b.WriteString("\n\n")
			continue
		}

		for k, v := range event.Data {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
		b.WriteString("\n")
	}

	path := filepath.Join(w.dir, filepath.Base(p.Session.ID)+".md")

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}

	return s
}
