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

// Package api contains the operational HTTP surface of the frame analysis
// service: health, pipeline and model introspection, task submission and
// the per-film attribute statistics.
//
// Routes:
//   - GET    /healthz
//   - GET    /api/v1/pipelines
//   - GET    /api/v1/models
//   - POST   /api/v1/models/warmup
//   - POST   /api/v1/tasks
//   - GET    /api/v1/tasks/:id
//   - DELETE /api/v1/tasks/:id
//   - GET    /api/v1/stats/films/:id/attributes
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
)

// Server holds what the handlers need.
type Server struct {
	Components *workflow.Components
	Queue      services.TaskQueue
	Cache      *vision.ModelCache
}

// NewRouter builds the gin engine with telemetry and CORS middleware and
// every route registered.
//
// Inputs:
//   - serviceName: The name reported by the otelgin spans.
//   - s: The handler dependencies.
//
// Outputs:
//   - *gin.Engine: The router, ready to be served.
func NewRouter(serviceName string, s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(cors.Default())

	r.GET("/healthz", s.health)

	apiV1 := r.Group("/api/v1")
	{
		PipelineRouter(apiV1, s)
		TaskRouter(apiV1, s)
		Dashboard(apiV1, s)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	sqlDB, err := s.Components.Store.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PipelineRouter registers the pipeline and model introspection routes.
func PipelineRouter(r *gin.RouterGroup, s *Server) {
	r.GET("/pipelines", func(c *gin.Context) {
		pipelines := s.Components.Pipelines.All()
		out := make([]gin.H, 0, len(pipelines))
		for _, p := range pipelines {
			out = append(out, gin.H{"metadata": p.Metadata(), "status": p.Status()})
		}
		c.JSON(http.StatusOK, gin.H{"primary": s.Components.Pipelines.PrimaryID(), "pipelines": out})
	})

	r.GET("/models", func(c *gin.Context) {
		statuses := make([]vision.ModelStatus, 0)
		if s.Cache != nil {
			statuses = append(statuses, s.Cache.Status()...)
		}
		c.JSON(http.StatusOK, statuses)
	})

	r.POST("/models/warmup", func(c *gin.Context) {
		if s.Cache == nil {
			c.JSON(http.StatusOK, []vision.ModelStatus{})
			return
		}
		if err := s.Cache.Warmup(c.Request.Context()); err != nil {
			slog.WarnContext(c.Request.Context(), "model warmup incomplete", "error", err)
		}
		c.JSON(http.StatusOK, s.Cache.Status())
	})
}

// writeError maps a typed error to its HTTP status.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrStorageNotConfigured):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
