package commands

import (
	"fmt"
	"io"

	"github.com/quillware/quill/internal/events"
)

// consoleRenderer is a minimal event-bus subscriber that draws the
// conversation on a terminal. Streaming message deltas print as they
// arrive; segment completions close the line.
type consoleRenderer struct {
	out           io.Writer
	openSegmentID string
}

func newConsoleRenderer(out io.Writer) *consoleRenderer {
	return &consoleRenderer{out: out}
}

func (r *consoleRenderer) handle(evt events.Event) {
	switch evt.Type {
	case events.TypeMessage:
		switch evt.Status {
		case events.StatusInProgress:
			fmt.Fprint(r.out, evt.Content)
			r.openSegmentID = evt.ID
		case events.StatusSuccess:
			if r.openSegmentID == evt.ID {
				// Deltas already printed, just terminate the line.
				fmt.Fprintln(r.out)
			} else if evt.Content != "" {
				fmt.Fprintln(r.out, evt.Content)
			}
			r.openSegmentID = ""
		}
	case events.TypeAction:
		if evt.Status == events.StatusInProgress && evt.ToolName != "" {
			fmt.Fprintf(r.out, "[tool] %s\n", evt.ToolName)
		}
	case events.TypeObservation:
		fmt.Fprintf(r.out, "[result] %s\n", evt.Content)
	case events.TypeWarning:
		fmt.Fprintf(r.out, "[warn] %s\n", evt.Content)
	case events.TypeError:
		fmt.Fprintf(r.out, "[error] %s\n", evt.Content)
	}
}
