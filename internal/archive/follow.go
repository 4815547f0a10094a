package archive

import (
	"context"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/store"
)

// Follow records store events until events is closed. When ctx is done it
// records whatever is already buffered, then returns. Simulated readings and
// in-place merges of the latest snapshot are never archived.
func Follow(ctx context.Context, rec Recorder, events <-chan store.Event) {
	f := &follower{rec: rec, log: logger.Component("archive")}

	for {
		select {
		case <-ctx.Done():
			f.drain(context.WithoutCancel(ctx), events)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				bg := context.WithoutCancel(ctx)
				f.record(bg, ev)
				f.drain(bg, events)
				return
			}
			f.record(ctx, ev)
		}
	}
}

type follower struct {
	rec       Recorder
	log       logger.Logger
	simulated bool
}

func (f *follower) drain(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.record(ctx, ev)
		default:
			return
		}
	}
}

func (f *follower) record(ctx context.Context, ev store.Event) {
	var err error
	switch ev.Kind {
	case store.EventStatus:
		if ev.Status != nil {
			f.simulated = ev.Status.Simulated
		}
	case store.EventSnapshot:
		if !f.simulated && ev.Snapshot != nil {
			err = f.rec.RecordSnapshot(ctx, *ev.Snapshot)
		}
	case store.EventAlert:
		if !f.simulated && ev.Alert != nil {
			err = f.rec.RecordAlert(ctx, *ev.Alert)
		}
	case store.EventAlertResolved:
		if ev.Alert != nil {
			err = f.rec.ResolveAlert(ctx, ev.Alert.ID)
		}
	}

	if err != nil {
		f.log.Warn().
			Err(err).
			Str("event", ev.Kind.String()).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Failed to archive event")
	}
}
