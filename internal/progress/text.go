package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// TextSink writes one line per worker, e.g.
//
//	worker 2/4   37/120   31%  failed 1
type TextSink struct {
	mu  sync.Mutex
	w   io.Writer
	id  lipgloss.Style
	num lipgloss.Style
	bad lipgloss.Style
	ok  lipgloss.Style
}

// NewTextSink renders to w, with colors only when w is a terminal.
func NewTextSink(w io.Writer) *TextSink {
	r := lipgloss.NewRenderer(w)
	return &TextSink{
		w:   w,
		id:  r.NewStyle().Foreground(lipgloss.Color("86")).Bold(true),
		num: r.NewStyle().Foreground(lipgloss.Color("252")),
		bad: r.NewStyle().Foreground(lipgloss.Color("220")),
		ok:  r.NewStyle().Foreground(lipgloss.Color("82")),
	}
}

// Render writes the table; final rows are marked done.
func (s *TextSink) Render(rows []types.Progress, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, p := range rows {
		line := fmt.Sprintf("%s  %s  %s",
			s.id.Render(fmt.Sprintf("worker %d/%d", p.Worker+1, len(rows))),
			s.num.Render(fmt.Sprintf("%5d/%-5d", p.Current, p.Total)),
			s.num.Render(fmt.Sprintf("%3.0f%%", 100*p.Ratio())),
		)
		if p.Failed > 0 {
			line += "  " + s.bad.Render(fmt.Sprintf("failed %d", p.Failed))
		}
		if final && p.Current == p.Total {
			line += "  " + s.ok.Render("done")
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	io.WriteString(s.w, b.String())
}
