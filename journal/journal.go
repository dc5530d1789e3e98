package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/tidwall/wal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	LogDir = "views"

	entryVersionV1 byte = 1
)

var ErrClosed = errors.New("journal: closed")

// Journal is an append-only log of installed views. It is a ViewListener;
// appends are queued and written by Start, and synced to disk periodically.
type Journal struct {
	logger  *zap.Logger
	log     *wal.Log
	queue   chan *membership.View
	closeCh chan struct{}
	closeWg sync.WaitGroup
	closed  *atomic.Bool
	cfg     Config
	counter uint64
	last    *atomic.Int64
}

var _ membership.ViewListener = (*Journal)(nil)

type Config struct {
	Logger        *zap.Logger
	DataDir       string
	FlushInterval time.Duration
	// ReadOnly opens the log for inspection; Start must not be called
	ReadOnly bool
}

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if c.DataDir == "" {
		return fmt.Errorf("empty DataDir is invalid")
	}
	if !c.ReadOnly && c.FlushInterval <= 0 {
		return fmt.Errorf("non-positive FlushInterval is invalid")
	}
	return nil
}

func logPath(dir string) string {
	return filepath.Join(dir, LogDir)
}

func New(cfg Config) (*Journal, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l, err := wal.Open(logPath(cfg.DataDir), &wal.Options{
		SegmentSize:      1024 * 1024,
		SegmentCacheSize: 2,
		LogFormat:        wal.Binary,
		NoSync:           true,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening journal: %w", err)
	}
	index, err := l.LastIndex()
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("error reading last journal index: %w", err)
	}
	j := &Journal{
		logger:  cfg.Logger,
		log:     l,
		queue:   make(chan *membership.View, 64),
		closeCh: make(chan struct{}),
		closed:  atomic.NewBool(false),
		cfg:     cfg,
		counter: index + 1,
		last:    atomic.NewInt64(0),
	}
	if index > 0 {
		if v, err := j.Read(index); err == nil {
			j.last.Store(v.Sequence())
		}
	}
	j.logger.Info("Journaling installed views", zap.String("dir", cfg.DataDir), zap.Uint64("entries", index))
	j.closeWg.Add(1)
	return j, nil
}

// OnViewInstalled queues the view for appending. Views are dropped when the
// queue is full rather than stalling the installer.
func (j *Journal) OnViewInstalled(ev membership.ViewEvent) {
	if j.closed.Load() {
		return
	}
	select {
	case j.queue <- ev.View:
	default:
		j.logger.Warn("Journal queue full, dropping view", zap.Object("view", ev.View.ID()))
	}
}

func (j *Journal) Start() {
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	defer j.closeWg.Done()

	dirty := false
	for {
		select {
		case <-j.closeCh:
			for {
				select {
				case v := <-j.queue:
					j.append(v)
				default:
					return
				}
			}
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := j.log.Sync(); err != nil {
				j.logger.Error("Error flushing journal periodically", zap.Error(err))
			}
		case v := <-j.queue:
			j.append(v)
			dirty = true
		}
	}
}

func (j *Journal) append(v *membership.View) {
	buf, err := v.Proto().MarshalVT()
	if err != nil {
		j.logger.Error("Error serializing view", zap.Error(err))
		return
	}
	entry := make([]byte, 0, len(buf)+1)
	entry = append(entry, entryVersionV1)
	entry = append(entry, buf...)
	if err := j.log.Write(j.counter, entry); err != nil {
		j.logger.Error("Error appending to journal", zap.Uint64("counter", j.counter), zap.Error(err))
		return
	}
	j.counter++
	j.last.Store(v.Sequence())
}

// LastSequence is the sequence of the most recently journaled view.
func (j *Journal) LastSequence() int64 {
	return j.last.Load()
}

func (j *Journal) Len() (uint64, error) {
	return j.log.LastIndex()
}

func (j *Journal) Read(index uint64) (*membership.View, error) {
	buf, err := j.log.Read(index)
	if err != nil {
		return nil, fmt.Errorf("error reading journal at index %d: %w", index, err)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty journal entry at index %d", index)
	}
	switch buf[0] {
	case entryVersionV1:
		pv := &protocol.View{}
		if err := pv.UnmarshalVT(buf[1:]); err != nil {
			return nil, fmt.Errorf("error deserializing journal at index %d: %w", index, err)
		}
		return membership.FromProto(pv)
	default:
		return nil, fmt.Errorf("unknown journal entry version %d at index %d", buf[0], index)
	}
}

// Range calls fn for every journaled view in append order until fn returns
// false.
func (j *Journal) Range(fn func(index uint64, v *membership.View) bool) error {
	first, err := j.log.FirstIndex()
	if err != nil {
		return err
	}
	last, err := j.log.LastIndex()
	if err != nil {
		return err
	}
	if first == 0 {
		return nil
	}
	for i := first; i <= last; i++ {
		v, err := j.Read(i)
		if err != nil {
			return err
		}
		if !fn(i, v) {
			return nil
		}
	}
	return nil
}

func (j *Journal) Stop() {
	if !j.closed.CompareAndSwap(false, true) {
		return
	}

	if !j.cfg.ReadOnly {
		close(j.closeCh)
		j.closeWg.Wait()
	}

	if err := j.log.Sync(); err != nil {
		j.logger.Error("Error flushing journal to disk", zap.Error(err))
	}
	if err := j.log.Close(); err != nil {
		if !errors.Is(err, wal.ErrClosed) {
			j.logger.Error("Error closing journal", zap.Error(err))
		}
	}
}
