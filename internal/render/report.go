// Package render writes Run Reports for people (styled text) and machines (JSON).
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"blockci/internal/core"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Options controls text rendering.
type Options struct {
	Color bool
	Width int
}

// OptionsFor enables color when w is a terminal and sizes output to it.
func OptionsFor(w io.Writer) Options {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return Options{Width: 100}
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		width = 100
	}
	return Options{Color: true, Width: width}
}

type styles struct {
	title     lipgloss.Style
	stage     lipgloss.Style
	succeeded lipgloss.Style
	failed    lipgloss.Style
	skipped   lipgloss.Style
	detail    lipgloss.Style
}

func newStyles(w io.Writer, color bool) styles {
	r := lipgloss.NewRenderer(w)
	s := styles{
		title:     r.NewStyle(),
		stage:     r.NewStyle().Width(18),
		succeeded: r.NewStyle().Width(10),
		failed:    r.NewStyle().Width(10),
		skipped:   r.NewStyle().Width(10),
		detail:    r.NewStyle(),
	}
	if color {
		s.title = s.title.Bold(true)
		s.succeeded = s.succeeded.Foreground(lipgloss.Color("2"))
		s.failed = s.failed.Foreground(lipgloss.Color("1")).Bold(true)
		s.skipped = s.skipped.Foreground(lipgloss.Color("8"))
		s.detail = s.detail.Foreground(lipgloss.Color("8"))
	}
	return s
}

var marks = map[core.Outcome]string{
	core.OutcomeSucceeded: "✓",
	core.OutcomeFailed:    "✗",
	core.OutcomeSkipped:   "-",
}

// Text writes a human readable report.
func Text(w io.Writer, r *core.Report, opts Options) error {
	s := newStyles(w, opts.Color)
	tr := r.Trigger()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.title.Render(fmt.Sprintf("Run %s  %s  %s %s@%s", r.RunID(), r.Pipeline(), tr.Type, tr.Branch, shortSHA(tr.CommitSHA))))
	for _, st := range r.Stages() {
		outcome := s.styleFor(st.Outcome).Render(string(st.Outcome))
		line := fmt.Sprintf("  %s %s %s", marks[st.Outcome], s.stage.Render(st.Stage), outcome)

		var extra []string
		if st.Outcome == core.OutcomeSkipped {
			extra = append(extra, string(st.Reason))
		} else {
			extra = append(extra, st.Duration.Round(time.Millisecond).String())
			if st.Attempts > 1 {
				extra = append(extra, fmt.Sprintf("%d attempts", st.Attempts))
			}
		}
		if st.Artifact != "" {
			extra = append(extra, st.Artifact)
		}
		if st.Outcome == core.OutcomeFailed && st.ErrorDetail != "" {
			extra = append(extra, truncate(st.ErrorDetail, opts.Width-len(line)-6))
		}
		fmt.Fprintf(&b, "%s  %s\n", line, s.detail.Render(strings.Join(extra, "  ")))
	}
	verdict := s.styleFor(verdictOutcome(r.Verdict())).UnsetWidth().Render(string(r.Verdict()))
	fmt.Fprintf(&b, "Verdict: %s (%s)\n", verdict, r.Duration().Round(time.Millisecond))

	_, err := io.WriteString(w, b.String())
	return err
}

// JSON writes the report as indented JSON.
func JSON(w io.Writer, r *core.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func (s styles) styleFor(o core.Outcome) lipgloss.Style {
	switch o {
	case core.OutcomeSucceeded:
		return s.succeeded
	case core.OutcomeFailed:
		return s.failed
	default:
		return s.skipped
	}
}

func verdictOutcome(v core.Verdict) core.Outcome {
	switch v {
	case core.VerdictSucceeded:
		return core.OutcomeSucceeded
	case core.VerdictFailed:
		return core.OutcomeFailed
	default:
		return core.OutcomeSkipped
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if n < 20 {
		n = 20
	}
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
