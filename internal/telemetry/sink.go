// Package telemetry implements the sinks that receive vehicle count and
// exit tasks from the pipeline's dispatch queue.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/database"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// SQLiteSink applies tasks to the local document store
type SQLiteSink struct {
	db *database.Database
}

// NewSQLiteSink creates a sink over db
func NewSQLiteSink(db *database.Database) *SQLiteSink {
	return &SQLiteSink{db: db}
}

// Write applies one task
func (s *SQLiteSink) Write(ctx context.Context, task pipeline.TelemetryTask) error {
	switch task.Op {
	case pipeline.OpCreate:
		_, err := s.db.Push(ctx, task.Path, task.Payload)
		return err
	case pipeline.OpReplace:
		return s.db.Set(ctx, task.Path, task.Payload)
	case pipeline.OpMerge:
		values, ok := task.Payload.(map[string]any)
		if !ok {
			return fmt.Errorf("merge at %s needs a map payload, got %T", task.Path, task.Payload)
		}
		return s.db.Merge(ctx, task.Path, values)
	default:
		return fmt.Errorf("unknown telemetry op %q", task.Op)
	}
}

// LogSink writes every task to the log
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink that logs to logger, or the standard logger when nil
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

// Write logs the task as JSON
func (s *LogSink) Write(ctx context.Context, task pipeline.TelemetryTask) error {
	data, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	s.logger.Printf("[Telemetry] %s %s %s", task.Op, task.Path, data)
	return nil
}

// Fanout writes each task to every sink and joins their errors
type Fanout []pipeline.TelemetrySink

// Write implements pipeline.TelemetrySink
func (f Fanout) Write(ctx context.Context, task pipeline.TelemetryTask) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Write(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ pipeline.TelemetrySink = (*SQLiteSink)(nil)
	_ pipeline.TelemetrySink = (*LogSink)(nil)
	_ pipeline.TelemetrySink = Fanout(nil)
)
