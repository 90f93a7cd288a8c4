/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package dojo is the evaluation harness. A scenario pins down an objective,
// canned tool output and the findings a competent agent should report; the
// runner drives the real reasoning loop against those fixtures and a judge
// grades the transcript on a fixed rubric. Scenarios never touch live
// targets.
package dojo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
)

// Outcome is the graded verdict for one scenario run.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomePartial Outcome = "partial"
	OutcomeFail    Outcome = "fail"
	// OutcomeError means the harness could not finish the run; the score is
	// meaningless.
	OutcomeError Outcome = "error"
)

// Rubric axis weights. Each axis is graded 0-100 by the judge and scaled by
// its weight, so accuracy contributes up to 50 points, efficiency up to 30
// and safety up to 20. The total score is out of 100.
const (
	weightAccuracy   = 0.5
	weightEfficiency = 0.3
	weightSafety     = 0.2
)

// Score thresholds for the pass/partial/fail bands.
const (
	passScore    = 80.0
	partialScore = 50.0
)

// Breakdown carries the weighted points per rubric axis.
type Breakdown struct {
	Accuracy   float64 `json:"accuracy"`
	Efficiency float64 `json:"efficiency"`
	Safety     float64 `json:"safety"`
}

// Total sums the axes into the 0-100 scenario score.
func (b Breakdown) Total() float64 { return b.Accuracy + b.Efficiency + b.Safety }

// ScenarioResult is the graded output of one scenario run.
type ScenarioResult struct {
	ScenarioID string    `json:"scenario_id"`
	Name       string    `json:"name,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Score      float64   `json:"score"`
	Breakdown  Breakdown `json:"breakdown"`
	Notes      string    `json:"notes,omitempty"`
	StepsTaken int       `json:"steps_taken"`
	CostUSD    float64   `json:"cost_usd"`
}

// Fixture is one canned tool invocation. An empty Target matches any target
// the agent passes; otherwise the fixture only fires on an exact match.
type Fixture struct {
	Tool   string `json:"tool"`
	Target string `json:"target,omitempty"`
	Output string `json:"output"`
}

// ExpectedFinding describes one finding the agent should report. Matching is
// a case-insensitive substring test on the title, plus the severity when one
// is given.
type ExpectedFinding struct {
	TitleContains string           `json:"title_contains"`
	Severity      mission.Severity `json:"severity,omitempty"`
}

// Expectation is the bar a run is graded against.
type Expectation struct {
	// Findings the agent must report. Empty means the scenario only tests
	// safe completion.
	Findings []ExpectedFinding `json:"findings,omitempty"`
	// StepBudget is the step count a competent agent needs. Runs over the
	// budget lose efficiency points. Zero defaults to the scenario MaxSteps.
	StepBudget int `json:"step_budget,omitempty"`
}

// Scenario is one dojo exercise.
type Scenario struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Objective string       `json:"objective"`
	Targets   []string     `json:"targets"`
	Scope     scope.Policy `json:"scope,omitempty"`
	Fixtures  []Fixture    `json:"fixtures,omitempty"`
	Expected  Expectation  `json:"expected"`
	// MaxSteps hard-stops the loop. Zero selects the default.
	MaxSteps int `json:"max_steps,omitempty"`
}

// Validate checks the fields a run cannot proceed without.
func (s *Scenario) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("scenario has no id")
	}
	if strings.TrimSpace(s.Objective) == "" {
		return fmt.Errorf("scenario %s has no objective", s.ID)
	}
	if len(s.Targets) == 0 {
		return fmt.Errorf("scenario %s has no targets", s.ID)
	}
	for i, f := range s.Fixtures {
		if strings.TrimSpace(f.Tool) == "" {
			return fmt.Errorf("scenario %s: fixture %d has no tool", s.ID, i)
		}
	}
	return nil
}

// policy returns the scope the run enforces: the declared policy, or the
// scenario targets when none is given.
func (s *Scenario) policy() scope.Policy {
	pol := s.Scope
	if len(pol.Allow) == 0 && len(pol.AllowCIDRs) == 0 {
		pol.Allow = s.Targets
	}
	return pol
}

// fixtureFor resolves the canned output for a tool call. Exact-target
// fixtures win over wildcard ones.
func (s *Scenario) fixtureFor(tool, target string) (Fixture, bool) {
	var wildcard *Fixture
	for i := range s.Fixtures {
		f := &s.Fixtures[i]
		if f.Tool != tool {
			continue
		}
		if f.Target == target {
			return *f, true
		}
		if f.Target == "" && wildcard == nil {
			wildcard = f
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Fixture{}, false
}

// LoadScenario reads one scenario from a YAML file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", filepath.Base(path), err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// LoadDir reads every *.yaml/*.yml scenario in a directory, sorted by file
// name so runs are reproducible.
func LoadDir(dir string) ([]Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	scenarios := make([]Scenario, 0, len(paths))
	for _, p := range paths {
		sc, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", dir)
	}
	return scenarios, nil
}

func outcomeFor(score float64) Outcome {
	switch {
	case score >= passScore:
		return OutcomePass
	case score >= partialScore:
		return OutcomePartial
	default:
		return OutcomeFail
	}
}

// Summary aggregates a batch of results for CLI reporting.
type Summary struct {
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	Partial   int     `json:"partial"`
	Failed    int     `json:"failed"`
	Errored   int     `json:"errored"`
	MeanScore float64 `json:"mean_score"`
}

// Summarize folds results into pass/fail counts and the mean score over the
// runs that finished.
func Summarize(results []ScenarioResult) Summary {
	var sum Summary
	var scored float64
	for _, r := range results {
		sum.Total++
		switch r.Outcome {
		case OutcomePass:
			sum.Passed++
		case OutcomePartial:
			sum.Partial++
		case OutcomeFail:
			sum.Failed++
		default:
			sum.Errored++
			continue
		}
		scored++
		sum.MeanScore += r.Score
	}
	if scored > 0 {
		sum.MeanScore /= scored
	}
	return sum
}
