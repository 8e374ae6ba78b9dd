package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// tripForm is the part of a session's form data the simulator reads.
type tripForm struct {
	Destination string   `json:"destination"`
	Days        int      `json:"days"`
	Interests   []string `json:"interests"`
}

// simulator stands in for the stage executors in local mode. Each stage
// reports one progress update, waits, and completes with placeholder
// output derived from the form.
type simulator struct {
	mgr    *waypoint.Manager
	logger *slog.Logger
	step   time.Duration
}

func newSimulator(mgr *waypoint.Manager, logger *slog.Logger) *simulator {
	return &simulator{mgr: mgr, logger: logger, step: 500 * time.Millisecond}
}

func (s *simulator) run(ctx context.Context, step dispatch.Step) error {
	form := parseForm(step.FormData)

	_, err := s.mgr.Update(ctx, step.SessionID, session.StageUpdate{
		Agent:   step.Agent,
		Message: fmt.Sprintf("%s working on %s", step.Agent, form.Destination),
		Cost:    0.01,
	})
	if err != nil {
		return ignoreNoop(err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.step):
	}

	_, err = s.mgr.Checkpoint(ctx, step.SessionID, step.Agent, session.StageResult{
		Output:   simulatedOutput(step.Agent, form),
		Cost:     0.02,
		Duration: s.step,
	})
	return ignoreNoop(err)
}

func parseForm(data json.RawMessage) tripForm {
	form := tripForm{Destination: "somewhere", Days: 3}
	_ = json.Unmarshal(data, &form)
	if form.Days <= 0 {
		form.Days = 3
	}
	return form
}

func simulatedOutput(agent session.AgentType, form tripForm) session.StageOutput {
	switch agent {
	case session.AgentContentPlanner:
		return &session.ContentPlan{
			Destinations: []string{form.Destination},
			Themes:       form.Interests,
			Sections:     []string{"overview", "daily plan", "practical tips"},
		}
	case session.AgentInfoGatherer:
		return &session.GatheredInfo{Summary: "collected highlights for " + form.Destination}
	case session.AgentStrategist:
		return &session.Strategy{Pacing: "balanced", Priorities: form.Interests}
	default:
		it := &session.Itinerary{Title: fmt.Sprintf("%d days in %s", form.Days, form.Destination)}
		var md strings.Builder
		fmt.Fprintf(&md, "# %s\n", it.Title)
		for d := 1; d <= form.Days; d++ {
			day := session.ItineraryDay{Day: d, Title: fmt.Sprintf("Day %d", d), Activities: []string{"explore " + form.Destination}}
			it.Days = append(it.Days, day)
			fmt.Fprintf(&md, "\n## %s\n- %s\n", day.Title, day.Activities[0])
		}
		it.Markdown = md.String()
		return it
	}
}

// ignoreNoop treats duplicate or late reports as delivered.
func ignoreNoop(err error) error {
	if waypoint.IsNoop(err) {
		return nil
	}
	return err
}
