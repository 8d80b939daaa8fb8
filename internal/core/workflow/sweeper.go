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

package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// sweepBatchSize caps the frames enqueued per sweep.
const sweepBatchSize = 500

// PendingFrameSweeper periodically enqueues an ingest task for every pending
// frame that has none queued or running.
type PendingFrameSweeper struct {
	store    *services.FrameStore
	tasks    *services.TaskStore
	queue    services.TaskQueue
	interval time.Duration
}

// NewPendingFrameSweeper is the constructor for PendingFrameSweeper. A zero
// interval disables Start.
func NewPendingFrameSweeper(store *services.FrameStore, tasks *services.TaskStore, queue services.TaskQueue, interval time.Duration) *PendingFrameSweeper {
	return &PendingFrameSweeper{store: store, tasks: tasks, queue: queue, interval: interval}
}

// Start sweeps on every tick until ctx is cancelled.
func (s *PendingFrameSweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					slog.WarnContext(ctx, "pending frame sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep enqueues one ingest task per pending frame without an in-flight task.
//
// Outputs:
//   - int: The number of tasks enqueued.
//   - error: The first failure to read state or enqueue.
func (s *PendingFrameSweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.store.FramesByStatus(ctx, model.StatusPending, sweepBatchSize)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	inFlight, err := s.tasks.InFlightFrames(ctx, services.StageIngest)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, id := range pending {
		if _, busy := inFlight[id]; busy {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, services.StageIngest, services.TaskArgs{FrameIDs: []uint{id}}); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 {
		slog.InfoContext(ctx, "enqueued pending frames", "count", enqueued)
	}
	return enqueued, nil
}
