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

// Package cor_test exercises the chain of responsibility primitives that all
// frame analysis stages are built on.
package cor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendCommand appends its suffix to the string found at CtxIn.
type appendCommand struct {
	cor.BaseCommand
	suffix string
	fail   bool
	skip   bool
	calls  *int
}

func newAppend(name, suffix string, calls *int) *appendCommand {
	return &appendCommand{BaseCommand: *cor.NewBaseCommand(name), suffix: suffix, calls: calls}
}

func (a *appendCommand) IsExecutable(context cor.Context) bool {
	return !a.skip && a.BaseCommand.IsExecutable(context)
}

func (a *appendCommand) Execute(context cor.Context) {
	*a.calls++
	if a.fail {
		a.Fail(context, errors.New(a.GetName()+" failed"))
		return
	}
	in := context.Get(a.GetInputParam()).(string)
	a.Succeed(context, in+a.suffix)
}

func TestChainPipesOutputToInput(t *testing.T) {
	calls := 0
	chain := cor.NewBaseChain("pipe")
	chain.AddCommand(newAppend("a", "-a", &calls))
	chain.AddCommand(newAppend("b", "-b", &calls))

	chCtx := cor.NewBaseContextWith(context.Background())
	chCtx.Add(cor.CtxIn, "frame")
	chain.Execute(chCtx)

	require.False(t, chCtx.HasErrors())
	assert.Equal(t, 2, calls)
	assert.Equal(t, "frame-a-b", chCtx.Get(cor.CtxIn))
}

func TestChainSkipsNonExecutableWithoutDroppingInput(t *testing.T) {
	calls := 0
	skipped := newAppend("skipped", "-x", &calls)
	skipped.skip = true

	chain := cor.NewBaseChain("skip")
	chain.AddCommand(newAppend("a", "-a", &calls))
	chain.AddCommand(skipped)
	chain.AddCommand(newAppend("c", "-c", &calls))

	chCtx := cor.NewBaseContextWith(context.Background())
	chCtx.Add(cor.CtxIn, "frame")
	chain.Execute(chCtx)

	assert.False(t, chCtx.HasErrors())
	assert.Equal(t, 2, calls)
	assert.Equal(t, "frame-a-c", chCtx.Get(cor.CtxIn))
}

func TestChainStopsOnFailure(t *testing.T) {
	calls := 0
	failing := newAppend("failing", "", &calls)
	failing.fail = true

	chain := cor.NewBaseChain("stop")
	chain.AddCommand(failing)
	chain.AddCommand(newAppend("after", "-after", &calls))

	chCtx := cor.NewBaseContextWith(context.Background())
	chCtx.Add(cor.CtxIn, "frame")
	chain.Execute(chCtx)

	assert.True(t, chCtx.HasErrors())
	assert.Equal(t, 1, calls)
	assert.ErrorContains(t, chCtx.Err(), "failing failed")
}

func TestChainContinueOnFailure(t *testing.T) {
	calls := 0
	failing := newAppend("failing", "", &calls)
	failing.fail = true

	chain := cor.NewBaseChain("continue").ContinueOnFailure(true)
	chain.AddCommand(failing)
	chain.AddCommand(newAppend("after", "-after", &calls))

	chCtx := cor.NewBaseContextWith(context.Background())
	chCtx.Add(cor.CtxIn, "frame")
	chain.Execute(chCtx)

	assert.Equal(t, 2, calls)
	assert.Len(t, chCtx.GetErrors(), 1)
	assert.Equal(t, "frame-after", chCtx.Get(cor.CtxIn))
}

func TestChainHonoursCancellation(t *testing.T) {
	calls := 0
	chain := cor.NewBaseChain("cancelled")
	chain.AddCommand(newAppend("a", "-a", &calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chCtx := cor.NewBaseContextWith(ctx)
	chCtx.Add(cor.CtxIn, "frame")
	chain.Execute(chCtx)

	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, chCtx.Err(), context.Canceled)
}

func TestContextCloseRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "frame.png")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	chCtx := cor.NewBaseContextWith(context.Background())
	chCtx.AddTempFile(file)
	chCtx.AddTempFile(filepath.Join(dir, "already-gone.png"))
	chCtx.Close()

	_, err := os.Stat(file)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, chCtx.GetTempFiles())
}

func TestContextErrJoinsErrors(t *testing.T) {
	chCtx := cor.NewBaseContext()
	assert.NoError(t, chCtx.Err())

	first := errors.New("first")
	second := errors.New("second")
	chCtx.AddError("b", second)
	chCtx.AddError("a", first)
	chCtx.AddError("a", nil)

	err := chCtx.Err()
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, "first\nsecond", err.Error())
}
