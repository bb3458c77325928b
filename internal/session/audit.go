package session

import (
	"context"
	"time"

	"github.com/veggaen/phasestake/internal/audit"
	"github.com/veggaen/phasestake/internal/metrics"
)

// countingSink counts every divergence before handing it to the wrapped sink
type countingSink struct {
	inner    audit.Sink
	recorder metrics.Recorder
}

func (s countingSink) Record(ctx context.Context, d audit.Divergence) error {
	s.recorder.RecordDivergence()
	return s.inner.Record(ctx, d)
}

func (s countingSink) Close() error {
	return s.inner.Close()
}

type nopRecorder struct{}

func (nopRecorder) RecordRefresh(string, time.Duration) {}
func (nopRecorder) RecordReadFailure(string)            {}
func (nopRecorder) RecordDivergence()                   {}
func (nopRecorder) RecordPanic(string)                  {}
func (nopRecorder) SetPendingEntries(int)               {}
func (nopRecorder) SetCurrentPhase(uint64)              {}
func (nopRecorder) SetMaxBlock(uint64)                  {}
