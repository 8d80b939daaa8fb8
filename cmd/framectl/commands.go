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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/app"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/telemetry"
)

// cliContext carries the flags shared by every sub-command and the state
// built once they are parsed.
type cliContext struct {
	runtime  string
	logLevel string
	state    *app.StateManager
}

func (c *cliContext) close() {
	if c.state == nil {
		return
	}
	if err := c.state.Close(); err != nil {
		slog.Error("failed to release state", "error", err)
	}
}

// RootCommand creates the framectl command tree.
func RootCommand(cli *cliContext) *cobra.Command {
	root := &cobra.Command{
		Use:          "framectl",
		Short:        "Frame analysis pipeline CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cli.runtime, "runtime", "local", "Configuration runtime, loads configs/.env.<runtime>.toml")
	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", "warn", "Minimum log level")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := telemetry.SetupLogging(cli.logLevel, ""); err != nil {
			return err
		}
		config, err := app.GetConfig(cli.runtime)
		if err != nil {
			return err
		}
		state, err := app.InitState(cmd.Context(), config, false)
		if err != nil {
			return err
		}
		cli.state = state
		return nil
	}

	root.AddCommand(
		importCommand(cli),
		ingestCommand(cli),
		runCommand(cli),
		matchCommand(cli),
		analyzeCommand(cli),
		metadataCommand(cli),
		pipelinesCommand(cli),
	)
	return root
}

func importCommand(cli *cliContext) *cobra.Command {
	var filmID uint
	var ingest bool
	cmd := &cobra.Command{
		Use:   "import [path-or-uri...]",
		Short: "Register frame images",
		Long: `Register frame images as pending frames. Arguments containing "://" are
stored as object URIs, anything else is read from disk and uploaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var film *uint
			if filmID > 0 {
				film = &filmID
			}
			var errs error
			frames := make([]*model.Frame, 0, len(args))
			for _, arg := range args {
				req := workflow.ImportRequest{FilmID: film}
				if isObjectURI(arg) {
					req.StorageURI = arg
				} else {
					data, err := os.ReadFile(arg)
					if err != nil {
						errs = errors.Join(errs, err)
						continue
					}
					req.Data = data
					req.ContentType = mime.TypeByExtension(filepath.Ext(arg))
				}
				frame, err := workflow.ImportFrame(ctx, cli.state.Components, req)
				if err != nil {
					errs = errors.Join(errs, fmt.Errorf("%s: %w", arg, err))
					continue
				}
				if ingest {
					if _, err := cli.state.Dispatcher.Ingest.Ingest(ctx, frame.ID); err != nil {
						errs = errors.Join(errs, fmt.Errorf("%s: %w", arg, err))
					}
					if frame, err = cli.state.Components.Store.GetFrame(ctx, frame.ID); err != nil {
						errs = errors.Join(errs, err)
						continue
					}
				}
				frames = append(frames, frame)
			}
			if err := printJSON(cmd.OutOrStdout(), frames); err != nil {
				return err
			}
			return errs
		},
	}
	cmd.Flags().UintVar(&filmID, "film", 0, "Film the frames belong to; 0 leaves them unattributed")
	cmd.Flags().BoolVar(&ingest, "ingest", false, "Run the ingest workflow on each imported frame")
	return cmd
}

func ingestCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [frame-id...]",
		Short: "Run the end-to-end ingest workflow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseFrameIDs(args)
			if err != nil {
				return err
			}
			var errs error
			results := make([]*model.StageResult, 0, len(ids))
			for _, id := range ids {
				result, err := cli.state.Dispatcher.Ingest.Ingest(cmd.Context(), id)
				if err != nil {
					errs = errors.Join(errs, fmt.Errorf("frame %d: %w", id, err))
					continue
				}
				results = append(results, result)
			}
			if err := printJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return errs
		},
	}
}

func runCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <stage> [frame-id...]",
		Short: "Run one stage on each frame",
		Long:  "Run one of embed, match, tag, scene_attributes, actors or enrich on each frame.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, cli, args[0], args[1:])
		},
	}
}

func matchCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "match [frame-id...]",
		Short: "Predict the source film of embedded frames",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, cli, services.StageMatch, args)
		},
	}
}

// runStage runs one stage on every frame id and prints the results. Frames
// that fail are reported together after the rest have run.
func runStage(cmd *cobra.Command, cli *cliContext, stage string, args []string) error {
	ids, err := parseFrameIDs(args)
	if err != nil {
		return err
	}
	var errs error
	results := make([]*model.StageResult, 0, len(ids))
	for _, id := range ids {
		result, err := cli.state.Dispatcher.Stages.Run(cmd.Context(), stage, id)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("frame %d: %w", id, err))
			continue
		}
		results = append(results, result)
	}
	if err := printJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	return errs
}

func analyzeCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [frame-id...]",
		Short: "Run scene and actor analysis on a batch of frames",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseFrameIDs(args)
			if err != nil {
				return err
			}
			result, err := cli.state.Dispatcher.Batch.AnalyzeFrames(cmd.Context(), ids, func(processed, total int) {
				slog.Info("batch progress", "processed", processed, "total", total)
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func metadataCommand(cli *cliContext) *cobra.Command {
	var filmID uint
	cmd := &cobra.Command{
		Use:   "metadata <external-id>",
		Short: "Fetch cast and artwork for a film from the metadata provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cli.state.Dispatcher.Metadata.Ingest(cmd.Context(), args[0], filmID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().UintVar(&filmID, "film", 0, "Film to attach the metadata to")
	_ = cmd.MarkFlagRequired("film")
	return cmd
}

func pipelinesCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List the embedding pipelines and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type entry struct {
				Primary  bool `json:"primary"`
				Metadata any  `json:"metadata"`
				Status   any  `json:"status"`
			}
			pipelines := cli.state.Components.Pipelines
			out := make([]entry, 0)
			for _, p := range pipelines.All() {
				out = append(out, entry{
					Primary:  p.Metadata().ID == pipelines.PrimaryID(),
					Metadata: p.Metadata(),
					Status:   p.Status(),
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func parseFrameIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: frame id %q", model.ErrInvalidConfiguration, arg)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

func isObjectURI(arg string) bool {
	return strings.Contains(arg, "://")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
