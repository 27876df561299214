package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/srg/blequeue/internal/events"
)

// eventPrinter writes one colored line per event.
type eventPrinter struct {
	out    io.Writer
	only   map[events.Type]bool
	colors map[events.Type]*color.Color
	failed *color.Color
}

func newEventPrinter(out io.Writer, only []string) *eventPrinter {
	p := &eventPrinter{
		out: out,
		colors: map[events.Type]*color.Color{
			events.TypeTask:       color.New(color.Faint),
			events.TypeConnection: color.New(color.FgCyan),
			events.TypePeer:       color.New(color.FgGreen),
			events.TypeBond:       color.New(color.FgMagenta),
			events.TypeGatt:       color.New(color.FgYellow),
			events.TypeResponse:   color.New(color.FgBlue),
		},
		failed: color.New(color.FgRed, color.Bold),
	}
	if len(only) > 0 {
		p.only = make(map[events.Type]bool, len(only))
		for _, t := range only {
			p.only[events.Type(t)] = true
		}
	}
	return p
}

func (p *eventPrinter) accepts(e events.Event) bool {
	return p.only == nil || p.only[e.Type()]
}

// Print writes e unless it is filtered out.
func (p *eventPrinter) Print(e events.Event) {
	if !p.accepts(e) {
		return
	}
	c := p.colors[e.Type()]
	if isFailure(e) {
		c = p.failed
	}
	if c == nil {
		fmt.Fprintln(p.out, e.String())
		return
	}
	c.Fprintln(p.out, e.String())
}

// Lines renders accepted events without color.
func (p *eventPrinter) Lines(evs []events.Event) []string {
	var out []string
	for _, e := range evs {
		if p.accepts(e) {
			out = append(out, e.String())
		}
	}
	return out
}

func isFailure(e events.Event) bool {
	switch e := e.(type) {
	case events.TaskEvent:
		return e.State.IsError()
	case events.PeerEvent:
		return e.Outcome == events.PeerConnectFail
	case events.GattEvent:
		return e.State.IsError()
	case events.ResponseCompletionEvent:
		return e.Status != events.ResponseSuccess
	default:
		return false
	}
}
