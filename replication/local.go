package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/wal"
)

// LocalSource streams from a master log opened in the same process.
type LocalSource struct {
	Master *wal.WAL
	// PollInterval bounds each wait for new records. Zero uses the wal default.
	PollInterval time.Duration
	// IdleTimeout ends a stream with core.ErrTimeout after this long without
	// a record, so that the replicator restarts it. Zero waits forever.
	IdleTimeout time.Duration
}

var _ Source = (*LocalSource)(nil)

func (s *LocalSource) Stream(ctx context.Context, req StreamRequest) error {
	poll := s.PollInterval
	if poll <= 0 {
		poll = wal.DefaultPollInterval
	}
	if req.From != core.NoLSN {
		rec, err := s.Master.Get(req.From)
		if err != nil {
			return fmt.Errorf("record %s: %w", core.FormatLSN(req.From), err)
		}
		if rec == nil {
			return fmt.Errorf("record %s is not available on the master: %w", core.FormatLSN(req.From), core.ErrNotFound)
		}
	}

	it := s.Master.IteratorFrom(req.From, poll)
	defer it.Close()

	var prev core.Record
	hasPrev := false
	var masterLast uint64
	lastActivity := time.Now()
	for {
		if !it.NextContext(ctx) {
			err := it.Err()
			if errors.Is(err, core.ErrTimeout) {
				if s.IdleTimeout > 0 && time.Since(lastActivity) >= s.IdleTimeout {
					return err
				}
				continue
			}
			if errors.Is(err, core.ErrClosed) {
				return fmt.Errorf("%w: master log closed", ErrDisconnected)
			}
			return err
		}
		lastActivity = time.Now()

		rec := it.Record()
		if !hasPrev && req.From != core.NoLSN {
			// The requested record is already stored by the slave.
			prev, hasPrev = rec, true
			continue
		}
		if hasPrev && !rec.Follows(prev) {
			return &core.ContinuityError{Prev: prev.LSN, Got: rec.LSN}
		}
		if rec.LSN >= masterLast {
			if last, err := s.Master.Last(); err == nil && last != nil {
				masterLast = last.LSN
			}
			if rec.LSN > masterLast {
				masterLast = rec.LSN
			}
		}
		if err := req.Applier.Apply(rec, masterLast); err != nil {
			return fmt.Errorf("failed to apply record %s: %w", core.FormatLSN(rec.LSN), err)
		}
		prev, hasPrev = rec, true
	}
}
