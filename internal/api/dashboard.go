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

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// Dashboard configures the statistics routes under "/stats".
//
// Inputs:
//   - r: The router group the "/stats" group is added to.
//   - s: The handler dependencies.
//
// The attribute distribution is read from BigQuery when the analytics export
// is enabled and from the relational store otherwise.
func Dashboard(r *gin.RouterGroup, s *Server) {
	stats := r.Group("/stats")
	{
		stats.GET("/films/:id/attributes", func(c *gin.Context) {
			id, err := strconv.ParseUint(c.Param("id"), 10, 64)
			if err != nil {
				writeError(c, fmt.Errorf("%w: film id %q", model.ErrInvalidConfiguration, c.Param("id")))
				return
			}
			ctx := c.Request.Context()
			if _, err := s.Components.Store.GetFilm(ctx, uint(id)); err != nil {
				writeError(c, err)
				return
			}
			rows, err := s.Components.Analytics.AttributeDistribution(ctx, uint(id))
			if err != nil {
				writeError(c, err)
				return
			}
			source := "local"
			if s.Components.Analytics.Enabled() {
				source = "bigquery"
			}
			c.JSON(http.StatusOK, gin.H{"film_id": id, "source": source, "attributes": rows})
		})
	}
}
