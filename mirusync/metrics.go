// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"time"
)

const (
	MetricsOpSubmit  = "submit"
	MetricsOpCatchup = "catchup"
	MetricsOpPush    = "push"
	MetricsOpPull    = "pull"

	MetricsStageTotal    = "total"
	MetricsStageValidate = "validate"
	MetricsStageAppend   = "append"
	MetricsStageFetch    = "fetch"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (c *Coordinator) stageTimingEnabled() bool {
	if c == nil || c.config == nil {
		return false
	}
	return c.config.StageMetrics != nil || c.config.LogStageTimings
}

func (c *Coordinator) stageStart() time.Time {
	if !c.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (c *Coordinator) observeStage(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() || c == nil || c.config == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}

	if c.config.StageMetrics != nil {
		c.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if c.config.LogStageTimings && c.logger != nil {
		c.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
