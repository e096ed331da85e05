// Package reporting renders crawl snapshots for people and tools.
package reporting

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/stateflow/internal/snapshot"
)

// Formats lists the output formats accepted by New.
var Formats = []string{"json", "graphml", "text"}

// Reporter defines the interface for writing crawl snapshots to an output.
type Reporter interface {
	// Write renders one snapshot.
	Write(s *snapshot.Snapshot) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a new reporter based on the specified format and output path.
// An empty path or "stdout" writes to standard output.
func New(format, outputPath string) (Reporter, error) {
	return NewWithStdout(format, outputPath, os.Stdout)
}

// NewWithStdout is New with stdout standing in for standard output.
func NewWithStdout(format, outputPath string, stdout io.Writer) (Reporter, error) {
	var write func(io.Writer, *snapshot.Snapshot) error
	switch format {
	case "json":
		write = snapshot.Encode
	case "graphml":
		write = snapshot.WriteGraphML
	case "text":
		write = writeText
	default:
		return nil, fmt.Errorf("unsupported output format: %s (want one of %s)", format, strings.Join(Formats, ", "))
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{stdout}
	} else {
		path, err := homedir.Expand(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to expand output path %s: %w", outputPath, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return &streamReporter{w: writer, write: write}, nil
}

// streamReporter owns the writer and renders every snapshot with one format.
type streamReporter struct {
	w     io.WriteCloser
	write func(io.Writer, *snapshot.Snapshot) error
}

func (r *streamReporter) Write(s *snapshot.Snapshot) error {
	return r.write(r.w, s)
}

func (r *streamReporter) Close() error {
	return r.w.Close()
}

// writeText prints a summary followed by one line per transition.
func writeText(w io.Writer, s *snapshot.Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:  %s\n", s.SessionID)
	fmt.Fprintf(&b, "Seed:     %s\n", s.SeedURL)
	fmt.Fprintf(&b, "Started:  %s\n", s.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Status:   %s\n", s.ExitStatus)
	fmt.Fprintf(&b, "Strategy: %s\n", s.Strategy)
	fmt.Fprintf(&b, "States:   %d\n", s.StateCount())
	fmt.Fprintf(&b, "Edges:    %d\n", s.EdgeCount())

	if len(s.Transitions) > 0 {
		b.WriteString("\nTransitions:\n")
	}
	transitions := append([]snapshot.Transition(nil), s.Transitions...)
	sort.SliceStable(transitions, func(i, j int) bool { return transitions[i].Eventable < transitions[j].Eventable })
	for _, t := range transitions {
		fmt.Fprintf(&b, "  %s -[%s]-> %s\n", stateName(s, t.From), eventLabel(s, t.Eventable), stateName(s, t.To))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func stateName(s *snapshot.Snapshot, id int) string {
	if s.States != nil {
		if st, ok := s.States.Get(id); ok && st.Name != "" {
			return st.Name
		}
	}
	return fmt.Sprintf("#%d", id)
}

func eventLabel(s *snapshot.Snapshot, id int) string {
	if s.Eventables == nil {
		return fmt.Sprintf("#%d", id)
	}
	ev, ok := s.Eventables.Get(id)
	if !ok {
		return fmt.Sprintf("#%d", id)
	}
	return fmt.Sprintf("%s %s", ev.Kind, ev.Identification)
}
