// Package viz renders worker-initiated visualization pushes in the
// terminal: one scalar trace per object id, redrawn at a bounded frame
// rate.
package viz

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/simfleet/simfleet/internal/codec"
)

// Renderer receives visualization updates forwarded by the coordinator.
type Renderer interface {
	Render(objectID int, fields *codec.Record) error
}

// Null drops every update.
type Null struct{}

func (Null) Render(int, *codec.Record) error { return nil }

const (
	historyCapacity = 240
	graphHeight     = 8
	graphWidth      = 60
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

// Terminal plots one trace per object id with asciigraph. The trace value
// is the named scalar field when present, otherwise the norm of the first
// float array in the update.
type Terminal struct {
	out       io.Writer
	field     string
	frameRate int

	traces    map[int][]float64
	lastDraw  time.Time
	lastTimes map[int]float64
}

func NewTerminal(out io.Writer, field string, frameRate int) *Terminal {
	if frameRate <= 0 {
		frameRate = 4
	}
	return &Terminal{
		out:       out,
		field:     field,
		frameRate: frameRate,
		traces:    make(map[int][]float64),
		lastTimes: make(map[int]float64),
	}
}

func (t *Terminal) Render(objectID int, fields *codec.Record) error {
	v, ok := t.extract(fields)
	if !ok {
		return nil
	}
	trace := append(t.traces[objectID], v)
	if len(trace) > historyCapacity {
		trace = trace[len(trace)-historyCapacity:]
	}
	t.traces[objectID] = trace
	if ts, ok := fields.Float("time"); ok {
		t.lastTimes[objectID] = ts
	}

	if elapsed := time.Since(t.lastDraw); elapsed < time.Second/time.Duration(t.frameRate) {
		return nil
	}
	t.lastDraw = time.Now()
	return t.draw()
}

func (t *Terminal) extract(fields *codec.Record) (float64, bool) {
	if f, ok := fields.Float(t.field); ok {
		return f, true
	}
	for _, f := range fields.Fields() {
		if f.Value.Kind() != codec.KindArray {
			continue
		}
		a := f.Value.Array()
		if a.Elem != codec.ElemFloat64 || len(a.Float64s) == 0 {
			continue
		}
		sum := 0.0
		for _, x := range a.Float64s {
			sum += x * x
		}
		return math.Sqrt(sum), true
	}
	return 0, false
}

func (t *Terminal) draw() error {
	ids := make([]int, 0, len(t.traces))
	for id := range t.traces {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		trace := t.traces[id]
		if len(trace) < 2 {
			continue
		}
		graph := asciigraph.Plot(trace,
			asciigraph.Height(graphHeight),
			asciigraph.Width(graphWidth),
			asciigraph.Precision(3),
		)
		header := titleStyle.Render(fmt.Sprintf("object %d", id)) +
			labelStyle.Render(fmt.Sprintf("  %s  t=%.2f", t.field, t.lastTimes[id]))
		b.WriteString(borderStyle.Render(header+"\n"+graph) + "\n")
	}
	if b.Len() == 0 {
		return nil
	}
	_, err := fmt.Fprint(t.out, "\033[H\033[2J"+b.String())
	return err
}
