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

// Package services contains the business logic for interacting with data sources.
// This file, `queries.go`, keeps the SQL used by the analytics service in one
// place. BigQuery queries take the fully qualified table name through a `%s`
// verb and every value through named query parameters.
package services

const (
	// QryAttributeDistribution counts, per scene attribute and value, the
	// analyzed frames of one film in the export table.
	//
	// How it works:
	// - `UNNEST(t.attributes) AS a`: flattens the repeated attributes column so
	//   each attribute value becomes its own row.
	// - `@film_id`: the film whose frames are counted.
	// - Frames exported more than once are counted once through COUNT(DISTINCT).
	//
	// Placeholders:
	// - `%s`: The fully qualified name of the analysis table.
	QryAttributeDistribution = "SELECT a.attribute AS attribute, a.value AS value, COUNT(DISTINCT t.frame_id) AS frames, AVG(a.confidence) AS avg_confidence " +
		"FROM `%s` AS t, UNNEST(t.attributes) AS a WHERE t.film_id = @film_id " +
		"GROUP BY attribute, value ORDER BY attribute, frames DESC, value"

	// QryLocalAttributeDistribution is the relational store version of
	// QryAttributeDistribution, used when no BigQuery dataset is configured.
	QryLocalAttributeDistribution = "SELECT sa.attribute AS attribute, sa.value AS value, COUNT(DISTINCT sa.frame_id) AS frames, AVG(sa.confidence) AS avg_confidence " +
		"FROM scene_attributes sa JOIN frames f ON f.id = sa.frame_id WHERE f.film_id = ? " +
		"GROUP BY sa.attribute, sa.value ORDER BY sa.attribute, frames DESC, sa.value"
)
