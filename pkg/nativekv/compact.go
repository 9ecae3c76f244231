package nativekv

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maxiofs/nativekv/internal/buffer"
)

// CompactRange asks the engine to compact the keys in [start, end]. A None
// descriptor leaves that side unbounded. It blocks until the engine is done
// and gives no progress signal. An empty database or a range with start
// after end is a no-op.
//
// Compaction failures are logged at error level and returned as
// *EngineError; they are never fatal to the runtime.
func (r *Runtime) CompactRange(h DBHandle, start, end buffer.Descriptor) (err error) {
	began := time.Now()
	strategy := strategyOf(start, end)
	defer func() { r.record("compact", strategy, true, err, began) }()

	db, err := r.acquireDB(h)
	if err != nil {
		return err
	}
	defer db.mu.RUnlock()

	// Bounds are copied out so nothing stays pinned across the compaction.
	lo, hi, err := r.compactionBounds(start, end)
	if err != nil {
		return err
	}
	if lo != nil && hi != nil && bytes.Compare(lo, hi) > 0 {
		return nil
	}

	log := r.logger.WithFields(logrus.Fields{
		"db":    db.id,
		"start": boundString(lo),
		"end":   boundString(hi),
	})
	log.Debug("Compacting range")

	if err := db.eng.CompactRange(lo, hi); err != nil {
		log.WithError(err).Error("Compaction failed")
		return translate("compact", err)
	}
	log.WithField("duration", time.Since(began)).Debug("Compaction finished")
	return nil
}

func (r *Runtime) compactionBounds(start, end buffer.Descriptor) (lo, hi []byte, err error) {
	scope := r.newScope()
	if !start.IsNone() {
		b, err := scope.Acquire(start)
		if err != nil {
			return nil, nil, r.releaseScope("compact", scope, err)
		}
		lo = bytes.Clone(b)
		if lo == nil {
			lo = []byte{}
		}
	}
	if !end.IsNone() {
		b, err := scope.Acquire(end)
		if err != nil {
			return nil, nil, r.releaseScope("compact", scope, err)
		}
		hi = bytes.Clone(b)
		if hi == nil {
			hi = []byte{}
		}
	}
	return lo, hi, r.releaseScope("compact", scope, nil)
}

func boundString(b []byte) string {
	if b == nil {
		return "unbounded"
	}
	return string(b)
}
