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
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// TaskRequest is the body of POST /tasks.
type TaskRequest struct {
	Stage    string            `json:"stage" binding:"required"`
	FrameIDs []uint            `json:"frame_ids"`
	Params   map[string]string `json:"params"`
}

// TaskResponse is the public view of a task.
type TaskResponse struct {
	ID        string          `json:"id"`
	Stage     string          `json:"stage"`
	State     model.TaskState `json:"state"`
	Processed int             `json:"processed"`
	Total     int             `json:"total"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func newTaskResponse(t *model.Task) TaskResponse {
	out := TaskResponse{
		ID:        t.ID,
		Stage:     t.Stage,
		State:     t.State,
		Processed: t.Processed,
		Total:     t.Total,
		Error:     t.Error,
	}
	if len(t.Result) > 0 && string(t.Result) != "null" {
		out.Result = json.RawMessage(t.Result)
	}
	return out
}

// TaskRouter registers the task queue routes.
func TaskRouter(r *gin.RouterGroup, s *Server) {
	tasks := r.Group("/tasks")
	{
		tasks.POST("", func(c *gin.Context) {
			var req TaskRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			task, err := s.Queue.Enqueue(c.Request.Context(), req.Stage, services.TaskArgs{FrameIDs: req.FrameIDs, Params: req.Params})
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, newTaskResponse(task))
		})

		tasks.GET("/:id", func(c *gin.Context) {
			task, err := s.Queue.Get(c.Request.Context(), c.Param("id"))
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, newTaskResponse(task))
		})

		tasks.DELETE("/:id", func(c *gin.Context) {
			task, err := s.Queue.Revoke(c.Request.Context(), c.Param("id"))
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, newTaskResponse(task))
		})
	}
}
