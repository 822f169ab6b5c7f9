package services

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/coah80/bgm/internal/logging"
	"github.com/coah80/bgm/internal/metrics"
	"github.com/coah80/bgm/internal/util"
)

// DiskProbe reports free space for the volume holding path.
type DiskProbe func(path string) (util.DiskSpaceInfo, error)

type GateConfig struct {
	Root          string
	MaxConcurrent int64
	MinFreeDisk   uint64
	MaxUploadSize int64
}

// Gate is the admission control in front of the storage and extraction
// critical section. Checks run cheapest first: declared size, free disk,
// then a non-blocking permit. Refusals shed load instead of queueing.
type Gate struct {
	cfg     GateConfig
	sem     *semaphore.Weighted
	inUse   atomic.Int64
	probe   DiskProbe
	logger  *log.Logger
	metrics metrics.Recorder
	alerts  Alerter
}

type GateOption func(*Gate)

func WithDiskProbe(p DiskProbe) GateOption {
	return func(g *Gate) { g.probe = p }
}

func WithGateLogger(l *log.Logger) GateOption {
	return func(g *Gate) { g.logger = logging.OrDiscard(l).WithPrefix("admission") }
}

func WithGateMetrics(m metrics.Recorder) GateOption {
	return func(g *Gate) { g.metrics = m }
}

func WithGateAlerts(a Alerter) GateOption {
	return func(g *Gate) { g.alerts = a }
}

func NewGate(cfg GateConfig, opts ...GateOption) *Gate {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	g := &Gate{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		probe:   util.GetDiskSpace,
		logger:  logging.Discard(),
		metrics: metrics.Noop{},
		alerts:  nopAlerter{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ticket is one held permit. Release may be called any number of times;
// only the first call returns the permit.
type Ticket struct {
	gate *Gate
	once sync.Once
}

func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		n := t.gate.inUse.Add(-1)
		t.gate.sem.Release(1)
		t.gate.metrics.SetPermitsInUse(n)
		t.gate.logger.Debug("permit released", "inUse", n)
	})
}

// CheckSize rejects a declared payload size above the ceiling. Negative
// sizes mean unknown and pass; the placer enforces the cap while streaming.
func (g *Gate) CheckSize(size int64) error {
	if size == 0 {
		g.metrics.IncRejected("empty")
		return util.Validation("File is empty, please choose a video file to upload")
	}
	if g.cfg.MaxUploadSize > 0 && size > g.cfg.MaxUploadSize {
		g.metrics.IncRejected("too_large")
		return util.Validation("File too large. Maximum size is %s", humanize.IBytes(uint64(g.cfg.MaxUploadSize)))
	}
	return nil
}

// CheckDisk refuses writes while the storage volume is under the floor. The
// check is advisory: concurrent admitted uploads can still jointly cross it.
func (g *Gate) CheckDisk() error {
	if g.cfg.MinFreeDisk == 0 {
		return nil
	}
	ds, err := g.probe(g.cfg.Root)
	if err != nil {
		g.logger.Warn("disk probe failed, admitting anyway", "root", g.cfg.Root, "err", err)
		return nil
	}
	if ds.Avail < g.cfg.MinFreeDisk {
		g.logger.Warn("low disk space, refusing upload",
			"free", humanize.IBytes(ds.Avail), "floor", humanize.IBytes(g.cfg.MinFreeDisk))
		g.metrics.IncRejected("disk")
		g.alerts.LowDiskSpace(ds.Avail, g.cfg.MinFreeDisk)
		return util.Capacity("Server is low on disk space, please try again later")
	}
	return nil
}

// TryAcquire takes a permit without blocking.
func (g *Gate) TryAcquire() (*Ticket, error) {
	if !g.sem.TryAcquire(1) {
		g.logger.Warn("concurrency limit reached, refusing upload", "limit", g.cfg.MaxConcurrent)
		g.metrics.IncRejected("busy")
		return nil, util.Capacity("Server is busy processing other uploads, please try again later")
	}
	n := g.inUse.Add(1)
	g.metrics.SetPermitsInUse(n)
	g.logger.Debug("permit acquired", "inUse", n)
	return &Ticket{gate: g}, nil
}

// Admit runs every check and returns a held permit. The caller must defer
// Release on the returned ticket.
func (g *Gate) Admit(size int64) (*Ticket, error) {
	if err := g.CheckSize(size); err != nil {
		return nil, err
	}
	if err := g.CheckDisk(); err != nil {
		return nil, err
	}
	return g.TryAcquire()
}

func (g *Gate) InUse() int64 {
	return g.inUse.Load()
}

func (g *Gate) Capacity() int64 {
	return g.cfg.MaxConcurrent
}

func (g *Gate) MaxUploadSize() int64 {
	return g.cfg.MaxUploadSize
}

func (g *Gate) MinFreeDisk() uint64 {
	return g.cfg.MinFreeDisk
}

// DiskSpace reports the storage volume's current usage.
func (g *Gate) DiskSpace() (util.DiskSpaceInfo, error) {
	return g.probe(g.cfg.Root)
}
