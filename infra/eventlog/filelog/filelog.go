// Package filelog is the local file-backed event log: CRC-framed records in
// size-rotated segment files, with in-process tailing for live consumers.
package filelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/infra/eventlog"
	"github.com/preidman/dex/infra/sequence"
)

type Config struct {
	Dir         string
	SegmentSize int64 // bytes before rotation
	Logger      *logrus.Logger
}

const defaultSegmentSize = 16 * 1024 * 1024

// Log implements eventlog.Log on segmented local files. Appends are
// serialized; consumers replay the segments and then tail live appends
// through a subscription channel.
type Log struct {
	mu       sync.Mutex
	dir      string
	segSize  int64
	current  *segment
	segIndex int
	seq      *sequence.Sequencer
	subs     map[int]chan *record
	nextSub  int
	closed   bool
	log      *logrus.Entry
}

func Open(cfg Config) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	// recover the producer watermark and next segment index from disk;
	// a crash mid-append leaves a torn record at the tail of the newest
	// segment, which is dropped before anything reads it
	paths, err := segmentPaths(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := repairTail(paths[len(paths)-1]); err != nil {
			return nil, fmt.Errorf("repair %s: %w", paths[len(paths)-1], err)
		}
	}

	var last uint64
	for _, p := range paths {
		max, err := maxOffsetInSegment(p)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
		if max > last {
			last = max
		}
	}
	segIndex := len(paths)
	if segIndex > 0 {
		segIndex--
	}

	seg, err := openSegment(cfg.Dir, segIndex)
	if err != nil {
		return nil, err
	}

	return &Log{
		dir:      cfg.Dir,
		segSize:  cfg.SegmentSize,
		current:  seg,
		segIndex: segIndex,
		seq:      sequence.New(last),
		subs:     make(map[int]chan *record),
		log:      cfg.Logger.WithField("dir", cfg.Dir),
	}, nil
}

func (l *Log) Append(ctx context.Context, ev *eventlog.Event) (eventlog.Offset, error) {
	payload, err := ev.Marshal()
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("filelog: closed")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	rec := &record{
		typ:     uint8(ev.Type),
		offset:  l.seq.Next(),
		time:    time.Now().UnixNano(),
		payload: payload,
	}
	if err := l.current.append(encodeRecord(rec)); err != nil {
		return 0, err
	}
	if err := l.current.sync(); err != nil {
		return 0, err
	}
	if l.current.size >= l.segSize {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	for _, ch := range l.subs {
		ch <- rec
	}
	return rec.offset, nil
}

func (l *Log) rotate() error {
	_ = l.current.close()
	l.segIndex++
	seg, err := openSegment(l.dir, l.segIndex)
	if err != nil {
		return err
	}
	l.current = seg
	return nil
}

func (l *Log) ConsumeFrom(ctx context.Context, from eventlog.Offset, fn eventlog.Handler) error {
	// subscribe before replay so no append can fall between the two;
	// duplicates across the boundary are dropped by offset
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	live := make(chan *record, 1024)
	l.subs[id] = live
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}()

	var delivered eventlog.Offset
	deliver := func(rec *record) error {
		if rec.offset < from || rec.offset <= delivered {
			return nil
		}
		ev, err := eventlog.Unmarshal(rec.payload)
		if err != nil {
			// consumption must outlive one bad record; the handler
			// gets a nil event so the offset is still accounted for
			l.log.WithError(err).WithField("offset", rec.offset).
				Warn("skipping undecodable event")
			ev = nil
		}
		if err := fn(rec.offset, ev); err != nil {
			return err
		}
		delivered = rec.offset
		return nil
	}

	if err := scanSegments(l.dir, deliver); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-live:
			if !ok {
				return nil
			}
			if err := deliver(rec); err != nil {
				return err
			}
		}
	}
}

func (l *Log) LastOffset() (eventlog.Offset, error) {
	return l.seq.Current(), nil
}

// TruncateBefore removes whole segments whose newest offset is not past the
// given offset. Called after a snapshot bounds the replay distance.
func (l *Log) TruncateBefore(off eventlog.Offset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths, err := segmentPaths(l.dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if path == filepath.Join(l.dir, fmt.Sprintf("segment-%06d.log", l.segIndex)) {
			continue // never remove the active segment
		}
		max, err := maxOffsetInSegment(path)
		if err != nil {
			continue
		}
		if max <= off {
			_ = os.Remove(path)
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	return l.current.close()
}
