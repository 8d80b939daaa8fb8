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

// Package vision holds the image side of frame analysis.
// This file holds the fixed zero-shot vocabularies of the scene classifier.
package vision

// Scene attribute categories.
const (
	AttrTimeOfDay        = "time_of_day"
	AttrLighting         = "lighting"
	AttrInteriorExterior = "interior_exterior"
	AttrEnvironment      = "environment"
	AttrEmotion          = "emotion"
	AttrComposition      = "composition"
	AttrColorTemperature = "color_temperature"
	AttrDominantColor    = "dominant_color"
)

// MultiLabelCategories keep every label close to the best one instead of the argmax.
var MultiLabelCategories = map[string]bool{AttrLighting: true}

// Prompt is one label of a category and the text it is scored against.
type Prompt struct {
	Label string
	Text  string
}

// Category is an ordered prompt table.
type Category struct {
	Attribute string
	Prompts   []Prompt
}

// Labels returns the labels in table order.
func (c Category) Labels() []string {
	out := make([]string, len(c.Prompts))
	for i, p := range c.Prompts {
		out[i] = p.Label
	}
	return out
}

// Texts returns the prompt texts in table order.
func (c Category) Texts() []string {
	out := make([]string, len(c.Prompts))
	for i, p := range c.Prompts {
		out[i] = p.Text
	}
	return out
}

// SceneCategories is the zero-shot vocabulary, in scoring order.
var SceneCategories = []Category{
	{AttrTimeOfDay, []Prompt{
		{"dawn", "a film still shot at dawn with soft early morning light"},
		{"day", "a film still shot in bright daylight"},
		{"dusk", "a film still shot at dusk with golden hour light"},
		{"night", "a film still shot at night"},
	}},
	{AttrLighting, []Prompt{
		{"natural", "a film still lit with natural light"},
		{"low_key", "a dark low key lit film still with deep shadows"},
		{"high_key", "a bright high key lit film still with few shadows"},
		{"backlit", "a backlit film still with the light source behind the subject"},
		{"neon", "a film still lit by neon signs"},
		{"candlelight", "a film still lit by candlelight"},
		{"silhouette", "a film still showing a silhouette against a bright background"},
		{"hard", "a film still with hard directional light and crisp shadows"},
	}},
	{AttrInteriorExterior, []Prompt{
		{"interior", "a film still of an indoor scene"},
		{"exterior", "a film still of an outdoor scene"},
	}},
	{AttrEnvironment, []Prompt{
		{"urban", "a film still in a city street"},
		{"natural", "a film still in untouched nature"},
		{"desert", "a film still in a desert"},
		{"forest", "a film still in a forest"},
		{"underwater", "a film still underwater"},
		{"space", "a film still in outer space"},
		{"mountain", "a film still in the mountains"},
		{"beach", "a film still on a beach"},
	}},
	{AttrEmotion, []Prompt{
		{"calm", "a calm and peaceful film scene"},
		{"tense", "a tense and suspenseful film scene"},
		{"joyful", "a joyful and happy film scene"},
		{"melancholic", "a sad and melancholic film scene"},
		{"romantic", "a romantic film scene"},
		{"fearful", "a frightening film scene"},
	}},
	{AttrComposition, []Prompt{
		{"close_up", "a close-up shot of a face"},
		{"medium_shot", "a medium shot of people from the waist up"},
		{"wide_shot", "a wide shot of a large scene"},
		{"over_the_shoulder", "an over the shoulder shot of a conversation"},
		{"aerial", "an aerial shot from above"},
	}},
	{AttrColorTemperature, []Prompt{
		{"warm", "a film still with a warm orange color grade"},
		{"cool", "a film still with a cool blue color grade"},
		{"neutral", "a film still with neutral colors"},
	}},
}

// AllPromptTexts flattens every category into one list and returns the offset
// of each category inside it, so prompts can be embedded in a single call.
func AllPromptTexts() ([]string, map[string]int) {
	var texts []string
	offsets := make(map[string]int, len(SceneCategories))
	for _, c := range SceneCategories {
		offsets[c.Attribute] = len(texts)
		texts = append(texts, c.Texts()...)
	}
	return texts, offsets
}
