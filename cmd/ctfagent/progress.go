package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nugget/ctf-agent/internal/events"
)

// watchProgress prints a line per notable event until stop is called.
// stop waits for the printer to drain.
func watchProgress(bus *events.Bus, w io.Writer) (stop func()) {
	ch := bus.Subscribe(256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range ch {
			if line := progressLine(e); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()
	return func() {
		bus.Unsubscribe(ch)
		wg.Wait()
	}
}

// progressLine renders e for the terminal, or "" to skip it.
func progressLine(e events.Event) string {
	d := e.Data
	switch e.Kind {
	case events.KindPlan:
		return fmt.Sprintf("[step %v] %v\n%s", d["step_id"], d["rationale"], indent(fmt.Sprint(d["actions"])))
	case events.KindActionDone:
		return fmt.Sprintf("  %v: %v (%v bytes, %vms)", d["tool"], d["result"], d["bytes"], d["elapsed_ms"])
	case events.KindVerdict:
		line := fmt.Sprintf("[step %v] %v", d["step_id"], d["analysis"])
		if v, _ := d["value"].(string); v != "" {
			line += fmt.Sprintf(" (candidate: %s)", v)
		}
		return line
	case events.KindCompressed:
		return fmt.Sprintf("  memory: %v steps compressed (%v)", d["steps"], d["result"])
	case events.KindClassified:
		return fmt.Sprintf("  tools: %v (%v offered)", d["category"], d["tools"])
	case events.KindRunComplete:
		return fmt.Sprintf("run finished: %v after %v steps", d["reason"], d["steps"])
	}
	return ""
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
