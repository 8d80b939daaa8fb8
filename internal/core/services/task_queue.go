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
// This file, `task_queue.go`, hands stage work to background workers.
//
// Every task is first recorded in the relational store, so its state can be
// polled from any process. Delivery is either:
//   - local: a bounded pool of goroutines reading task ids from a channel.
//   - pubsub: the task id is published to a topic; workers receive it through
//     a cloud.PubSubListener and run it with RunTask.
//
// Revoking only affects queued tasks. A task that is already running completes.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// Stage names accepted by the task queue.
const (
	StageIngest          = "ingest"
	StageEmbed           = "embed"
	StageMatch           = "match"
	StageTag             = "tag"
	StageSceneAttributes = "scene_attributes"
	StageActors          = "actors"
	StageEnrich          = "enrich"
	StageAnalyzeBatch    = "analyze_batch"
	StageMetadata        = "metadata"
)

// KnownStages lists every stage a task may name.
var KnownStages = []string{
	StageIngest, StageEmbed, StageMatch, StageTag, StageSceneAttributes,
	StageActors, StageEnrich, StageAnalyzeBatch, StageMetadata,
}

// TaskArgs are the arguments stored with a task.
type TaskArgs struct {
	FrameIDs []uint            `json:"frame_ids,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// TaskMessage is the Pub/Sub payload announcing a task.
type TaskMessage struct {
	TaskID string `json:"task_id"`
}

// ProgressFunc reports how many units of a task are done.
type ProgressFunc func(processed, total int)

// TaskExecutor runs the stage a task names.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, stage string, args TaskArgs, progress ProgressFunc) (any, error)
}

// TaskQueue delivers stage tasks to workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, stage string, args TaskArgs) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	Revoke(ctx context.Context, id string) (*model.Task, error)
}

// TaskStore persists task state.
type TaskStore struct {
	DB *gorm.DB
}

// NewTaskStore creates a store.
func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{DB: db}
}

func validStage(stage string) bool {
	for _, s := range KnownStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Create records a new queued task.
func (s *TaskStore) Create(ctx context.Context, stage string, args TaskArgs) (*model.Task, error) {
	if !validStage(stage) {
		return nil, fmt.Errorf("%w: unknown stage %q", model.ErrInvalidConfiguration, stage)
	}
	task := &model.Task{
		ID:    uuid.NewString(),
		Stage: stage,
		Args:  model.EncodeJSON(args),
		State: model.TaskQueued,
		Total: len(args.FrameIDs),
	}
	if err := s.DB.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("failed to record task: %w", err)
	}
	return task, nil
}

// Get loads a task.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	task := &model.Task{}
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("task", id)
	}
	return task, err
}

// Start moves a queued task to running. It reports false when the task is no
// longer queued, for example because it was revoked.
func (s *TaskStore) Start(ctx context.Context, id string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND state = ?", id, model.TaskQueued).
		Update("state", model.TaskRunning)
	return res.RowsAffected == 1, res.Error
}

// Progress records how far a running task got.
func (s *TaskStore) Progress(ctx context.Context, id string, processed, total int) error {
	return s.DB.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).
		Updates(map[string]any{"processed": processed, "total": total}).Error
}

// Finish records the outcome of a task.
func (s *TaskStore) Finish(ctx context.Context, id string, result any, runErr error) error {
	fields := map[string]any{"state": model.TaskDone, "result": model.EncodeJSON(result), "error": ""}
	if runErr != nil {
		fields["state"] = model.TaskFailed
		fields["error"] = runErr.Error()
	}
	return s.DB.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).Updates(fields).Error
}

// Revoke marks a queued task revoked and returns its current state. Tasks in
// any other state are returned unchanged.
func (s *TaskStore) Revoke(ctx context.Context, id string) (*model.Task, error) {
	err := s.DB.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND state = ?", id, model.TaskQueued).
		Update("state", model.TaskRevoked).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// InFlightFrames maps every frame named by a queued or running task of the
// stage to that task's id.
func (s *TaskStore) InFlightFrames(ctx context.Context, stage string) (map[uint]string, error) {
	var tasks []model.Task
	err := s.DB.WithContext(ctx).
		Where("stage = ? AND state IN ?", stage, []model.TaskState{model.TaskQueued, model.TaskRunning}).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]string)
	for i := range tasks {
		args, err := s.Args(&tasks[i])
		if err != nil {
			continue
		}
		for _, id := range args.FrameIDs {
			out[id] = tasks[i].ID
		}
	}
	return out, nil
}

// Args decodes the arguments of a task.
func (s *TaskStore) Args(task *model.Task) (TaskArgs, error) {
	var args TaskArgs
	if len(task.Args) == 0 {
		return args, nil
	}
	err := json.Unmarshal(task.Args, &args)
	return args, err
}

// RunTask executes one recorded task and stores its outcome. Revoked or
// already started tasks are skipped. The returned error only reports failures
// to record state; stage failures are stored on the task.
//
// Inputs:
//   - ctx: The context for the run.
//   - store: The task store.
//   - executor: Runs the task's stage.
//   - id: The task to run.
//
// Outputs:
//   - error: An error if the task state could not be read or written.
func RunTask(ctx context.Context, store *TaskStore, executor TaskExecutor, id string) error {
	task, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	started, err := store.Start(ctx, id)
	if err != nil {
		return err
	}
	if !started {
		slog.InfoContext(ctx, "skipping task", "task_id", id, "state", task.State)
		return nil
	}
	args, err := store.Args(task)
	if err != nil {
		return store.Finish(ctx, id, nil, fmt.Errorf("%w: task args: %v", model.ErrInvalidConfiguration, err))
	}

	progress := func(processed, total int) {
		if err := store.Progress(ctx, id, processed, total); err != nil {
			slog.WarnContext(ctx, "failed to record task progress", "task_id", id, "error", err)
		}
	}
	result, runErr := executor.ExecuteTask(context.WithValue(ctx, taskIDKey{}, id), task.Stage, args, progress)
	if runErr != nil {
		slog.ErrorContext(ctx, "task failed", "task_id", id, "stage", task.Stage, "error", runErr)
	}
	return store.Finish(ctx, id, result, runErr)
}

type taskIDKey struct{}

// TaskIDFromContext returns the id of the task an executor is running, or "".
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

var errTaskQueueClosed = errors.New("task queue is closed")

// LocalTaskQueue runs tasks on a bounded pool of goroutines in this process.
type LocalTaskQueue struct {
	store    *TaskStore
	executor TaskExecutor
	workers  int
	tasks    chan string
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewLocalTaskQueue creates the queue. Call Start before enqueueing.
func NewLocalTaskQueue(store *TaskStore, executor TaskExecutor, workers, buffer int) *LocalTaskQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &LocalTaskQueue{
		store:    store,
		executor: executor,
		workers:  workers,
		tasks:    make(chan string, buffer),
		done:     make(chan struct{}),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Close is called.
func (q *LocalTaskQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-q.tasks:
					if !ok {
						return
					}
					if err := RunTask(ctx, q.store, q.executor, id); err != nil {
						slog.ErrorContext(ctx, "failed to run task", "worker", worker, "task_id", id, "error", err)
					}
				}
			}
		}(i)
	}
}

// Enqueue implements TaskQueue.
func (q *LocalTaskQueue) Enqueue(ctx context.Context, stage string, args TaskArgs) (*model.Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, errTaskQueueClosed
	}
	task, err := q.store.Create(ctx, stage, args)
	if err != nil {
		return nil, err
	}
	select {
	case q.tasks <- task.ID:
		return task, nil
	case <-q.done:
		_ = q.store.Finish(context.WithoutCancel(ctx), task.ID, nil, errTaskQueueClosed)
		return nil, errTaskQueueClosed
	case <-ctx.Done():
		_ = q.store.Finish(context.WithoutCancel(ctx), task.ID, nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// Get implements TaskQueue.
func (q *LocalTaskQueue) Get(ctx context.Context, id string) (*model.Task, error) {
	return q.store.Get(ctx, id)
}

// Revoke implements TaskQueue.
func (q *LocalTaskQueue) Revoke(ctx context.Context, id string) (*model.Task, error) {
	return q.store.Revoke(ctx, id)
}

// Close stops accepting tasks, lets the workers drain the buffer and waits for them.
// Enqueue calls blocked on a full buffer return errTaskQueueClosed.
func (q *LocalTaskQueue) Close() {
	q.once.Do(func() { close(q.done) })
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// TopicPublisher publishes one message and waits for the server id.
type TopicPublisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error)
}

// PubSubTopic adapts a Pub/Sub topic to TopicPublisher.
type PubSubTopic struct {
	Topic *pubsub.Topic
}

// Publish implements TopicPublisher.
func (p PubSubTopic) Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error) {
	return p.Topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes}).Get(ctx)
}

// PubSubTaskQueue publishes task ids to a Pub/Sub topic.
type PubSubTaskQueue struct {
	store *TaskStore
	topic TopicPublisher
}

// NewPubSubTaskQueue creates the queue.
func NewPubSubTaskQueue(store *TaskStore, topic TopicPublisher) *PubSubTaskQueue {
	return &PubSubTaskQueue{store: store, topic: topic}
}

// Enqueue implements TaskQueue. A task whose message cannot be published is
// marked failed.
func (q *PubSubTaskQueue) Enqueue(ctx context.Context, stage string, args TaskArgs) (*model.Task, error) {
	task, err := q.store.Create(ctx, stage, args)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(TaskMessage{TaskID: task.ID})
	if _, err := q.topic.Publish(ctx, data, map[string]string{"stage": stage}); err != nil {
		_ = q.store.Finish(ctx, task.ID, nil, fmt.Errorf("publish failed: %w", err))
		return nil, fmt.Errorf("%w: failed to publish task: %v", model.ErrTransientBackend, err)
	}
	return task, nil
}

// Get implements TaskQueue.
func (q *PubSubTaskQueue) Get(ctx context.Context, id string) (*model.Task, error) {
	return q.store.Get(ctx, id)
}

// Revoke implements TaskQueue.
func (q *PubSubTaskQueue) Revoke(ctx context.Context, id string) (*model.Task, error) {
	return q.store.Revoke(ctx, id)
}
