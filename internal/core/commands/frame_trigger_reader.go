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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// entry command of the upload workflow.
//
// Logic Flow:
// Cloud Storage publishes a notification to Pub/Sub whenever a frame image
// is finalized in the frames bucket. The command parses that notification
// and reduces it to a cloud.GCSObject carrying the bucket, object name,
// content type and the string valued custom metadata (for example the
// `film_id` the uploader attached).
package commands

import (
	"encoding/json"
	"fmt"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// FrameTriggerToGCSObject parses a GCS Pub/Sub notification.
type FrameTriggerToGCSObject struct {
	cor.BaseCommand
}

// NewFrameTriggerToGCSObject is the constructor for FrameTriggerToGCSObject.
//
// Inputs:
//   - name: A string name for this command instance.
//
// Outputs:
//   - *FrameTriggerToGCSObject: The command.
func NewFrameTriggerToGCSObject(name string) *FrameTriggerToGCSObject {
	return &FrameTriggerToGCSObject{BaseCommand: *cor.NewBaseCommand(name)}
}

func (c *FrameTriggerToGCSObject) Execute(context cor.Context) {
	in, ok := context.Get(c.GetInputParam()).(string)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: notification is not a string", model.ErrInvalidConfiguration))
		return
	}

	var out cloud.GCSPubSubNotification
	if err := json.Unmarshal([]byte(in), &out); err != nil {
		c.GetErrorCounter().Add(context.GetContext(), 1)
		context.AddError(c.GetName(), fmt.Errorf("failed to unmarshal GCS notification: %w", err))
		return
	}
	if out.Bucket == "" || out.Name == "" {
		c.Fail(context, fmt.Errorf("%w: notification has no bucket or object name", model.ErrInvalidConfiguration))
		return
	}

	metadata := make(map[string]string, len(out.MetaData))
	for k, v := range out.MetaData {
		if s, ok := v.(string); ok {
			metadata[k] = s
		} else {
			metadata[k] = fmt.Sprint(v)
		}
	}
	c.Succeed(context, &cloud.GCSObject{Bucket: out.Bucket, Name: out.Name, MIMEType: out.ContentType, Metadata: metadata})
}
