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

// Command framectl runs the frame analysis stages in-process against the
// configured store, without going through the task queue.
//
// Usage:
//
//	framectl import --film 3 gs://frames/vertigo/0001.png
//	framectl ingest 12 13 14
//	framectl match 12
//	framectl run scene_attributes 12
//	framectl analyze 12 13 14
//	framectl metadata tt0052357 --film 3
//	framectl pipelines
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := &cliContext{}
	root := RootCommand(cli)
	err := root.ExecuteContext(ctx)
	cli.close()
	if err != nil {
		os.Exit(1)
	}
}
