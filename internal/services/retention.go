package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/coah80/bgm/internal/logging"
	"github.com/coah80/bgm/internal/metrics"
	"github.com/coah80/bgm/internal/util"
)

// SweepReport summarizes one retention pass.
type SweepReport struct {
	Deleted int
	Failed  int
	Errors  []error
}

// Err joins every per-entry failure.
func (r SweepReport) Err() error {
	return errors.Join(r.Errors...)
}

// Sweeper deletes artifacts older than the retention age. It walks files at
// the storage root and inside date partitions, then drops partitions left
// empty. Sweeps are idempotent.
type Sweeper struct {
	fs       afero.Fs
	root     string
	age      time.Duration
	minFree  uint64
	now      func() time.Time
	probe    DiskProbe
	logger   *log.Logger
	metrics  metrics.Recorder
	alerts   Alerter
	mu       sync.Mutex
	running  sync.Mutex
	schedule *cron.Cron
}

type SweeperOption func(*Sweeper)

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func WithSweepLogger(l *log.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logging.OrDiscard(l).WithPrefix("cleanup") }
}

func WithSweepMetrics(m metrics.Recorder) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func WithSweepAlerts(a Alerter) SweeperOption {
	return func(s *Sweeper) { s.alerts = a }
}

// WithSweepDiskCheck reports free space after each sweep and alerts below
// minFree.
func WithSweepDiskCheck(probe DiskProbe, minFree uint64) SweeperOption {
	return func(s *Sweeper) {
		s.probe = probe
		s.minFree = minFree
	}
}

func NewSweeper(fs afero.Fs, root string, age time.Duration, opts ...SweeperOption) *Sweeper {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	s := &Sweeper{
		fs:      fs,
		root:    root,
		age:     age,
		now:     time.Now,
		logger:  logging.Discard(),
		metrics: metrics.Noop{},
		alerts:  nopAlerter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass. Failures on single entries are logged and counted;
// they never stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	s.running.Lock()
	defer s.running.Unlock()

	var report SweepReport
	now := s.now()
	cutoff := now.Add(-s.age)
	today := util.PartitionFor(now)

	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("failed to list storage root", "root", s.root, "err", err)
			report.fail(fmt.Errorf("list %s: %w", s.root, err))
		}
		s.finish(report)
		return report
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			report.fail(ctx.Err())
			break
		}
		path := filepath.Join(s.root, entry.Name())

		if !entry.IsDir() {
			s.expire(path, entry, cutoff, &report)
			continue
		}
		if !util.IsPartition(entry.Name()) {
			continue
		}

		s.sweepPartition(ctx, path, cutoff, &report)
		if entry.Name() < today {
			s.removeIfEmpty(path, &report)
		}
	}

	s.finish(report)
	return report
}

func (s *Sweeper) sweepPartition(ctx context.Context, dir string, cutoff time.Time, report *SweepReport) {
	files, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		s.logger.Warn("failed to list partition", "dir", dir, "err", err)
		report.fail(fmt.Errorf("list %s: %w", dir, err))
		return
	}
	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		if f.IsDir() {
			continue
		}
		s.expire(filepath.Join(dir, f.Name()), f, cutoff, report)
	}
}

// expire removes path when its modification time is before cutoff. Fresh
// uploads always carry a recent mtime, so in-flight writes are never hit.
func (s *Sweeper) expire(path string, info os.FileInfo, cutoff time.Time, report *SweepReport) {
	if !info.ModTime().Before(cutoff) {
		return
	}
	if err := s.fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return
		}
		s.logger.Warn("failed to delete", "path", path, "err", err)
		report.fail(fmt.Errorf("remove %s: %w", path, err))
		return
	}
	report.Deleted++
	s.logger.Info("deleted", "path", path, "modified", info.ModTime().Format(time.RFC3339))
}

func (s *Sweeper) removeIfEmpty(dir string, report *SweepReport) {
	empty, err := afero.IsEmpty(s.fs, dir)
	if err != nil || !empty {
		return
	}
	if err := s.fs.Remove(dir); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove empty partition", "dir", dir, "err", err)
		report.fail(fmt.Errorf("remove %s: %w", dir, err))
		return
	}
	s.logger.Debug("removed empty partition", "dir", dir)
}

func (r *SweepReport) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

func (s *Sweeper) finish(report SweepReport) {
	s.metrics.AddRetentionDeleted(report.Deleted)
	s.metrics.AddRetentionFailed(report.Failed)

	if report.Deleted > 0 || report.Failed > 0 {
		s.logger.Info("sweep finished", "deleted", report.Deleted, "failed", report.Failed)
	}
	if report.Failed > 0 {
		s.alerts.SweepFailed(report.Failed, report.Err())
	}

	if s.probe == nil {
		return
	}
	ds, err := s.probe(s.root)
	if err != nil {
		return
	}
	s.logger.Info("disk usage", "used", humanize.IBytes(ds.Used()), "free", humanize.IBytes(ds.Avail))
	if s.minFree > 0 && ds.Avail < s.minFree {
		s.logger.Warn("low disk space after sweep", "free", humanize.IBytes(ds.Avail))
		s.alerts.LowDiskSpace(ds.Avail, s.minFree)
	}
}

// Start schedules Sweep on a standard five-field cron spec.
func (s *Sweeper) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	c.Start()
	s.schedule = c
	s.logger.Info("retention scheduled", "schedule", spec, "age", s.age)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.schedule
	s.schedule = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
