/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package llm

import "strings"

// Rate is the price of a model in USD per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultRate prices unknown models. Biased toward the expensive end so
// budget enforcement errs on the side of stopping early.
var DefaultRate = Rate{InputPerMTok: 3.00, OutputPerMTok: 15.00}

// modelRates maps model name fragments to prices. Ordered so that more
// specific fragments win (the -mini variants before their base models).
var modelRates = []struct {
	fragment string
	rate     Rate
}{
	{"claude-opus", Rate{15.00, 75.00}},
	{"claude-sonnet", Rate{3.00, 15.00}},
	{"claude-haiku", Rate{0.80, 4.00}},
	{"claude-3-7-sonnet", Rate{3.00, 15.00}},
	{"claude-3-5-sonnet", Rate{3.00, 15.00}},
	{"claude-3-5-haiku", Rate{0.80, 4.00}},
	{"opus", Rate{15.00, 75.00}},
	{"sonnet", Rate{3.00, 15.00}},
	{"haiku", Rate{0.80, 4.00}},
	{"gpt-4o-mini", Rate{0.15, 0.60}},
	{"gpt-4o", Rate{2.50, 10.00}},
	{"gpt-4.1-mini", Rate{0.40, 1.60}},
	{"gpt-4.1-nano", Rate{0.10, 0.40}},
	{"gpt-4.1", Rate{2.00, 8.00}},
	{"o4-mini", Rate{1.10, 4.40}},
	{"o3", Rate{2.00, 8.00}},
}

// RateFor returns the price for a model, falling back to DefaultRate when
// the model is not in the table.
func RateFor(model string) Rate {
	m := strings.ToLower(model)
	for _, e := range modelRates {
		if strings.Contains(m, e.fragment) {
			return e.rate
		}
	}
	return DefaultRate
}

// EstimateCost converts token usage into USD using the static price table.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	r := RateFor(model)
	return (float64(inputTokens)*r.InputPerMTok + float64(outputTokens)*r.OutputPerMTok) / 1e6
}
