// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the data structures for the application. This file,
// `examples.go`, provides hardcoded example instances that are embedded in
// prompts sent to the generative model. Showing the model a concrete instance
// of the expected JSON keeps its answers parseable.
package model

// GetExampleSceneSummary creates a sample SceneSummary used as the few-shot
// example in the frame enrichment prompt.
//
// Outputs:
//   - *SceneSummary: A pointer to a hardcoded SceneSummary object.
func GetExampleSceneSummary() *SceneSummary {
	return &SceneSummary{
		Summary:       "Night exterior. A woman in a rain-soaked coat stands under a flickering neon sign, looking back over her shoulder at an approaching car.",
		ShotTimestamp: "01:12:45",
	}
}
