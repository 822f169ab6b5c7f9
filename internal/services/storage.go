package services

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/coah80/bgm/internal/logging"
	"github.com/coah80/bgm/internal/util"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// StoredArtifact is a video written under its date partition. The
// filesystem is the only index of artifacts.
type StoredArtifact struct {
	Partition   string
	ID          string
	Extension   string
	Name        string
	Path        string
	Size        int64
	ContentType string
}

// Placer writes uploads to <root>/<date>/<date>_<id>.<ext> and resolves
// download names back to paths.
type Placer struct {
	fs      afero.Fs
	root    string
	maxSize int64
	now     func() time.Time
	newID   func() string
	logger  *log.Logger
}

type PlacerOption func(*Placer)

func WithClock(now func() time.Time) PlacerOption {
	return func(p *Placer) { p.now = now }
}

func WithIDGenerator(gen func() string) PlacerOption {
	return func(p *Placer) { p.newID = gen }
}

func WithPlacerLogger(l *log.Logger) PlacerOption {
	return func(p *Placer) { p.logger = logging.OrDiscard(l).WithPrefix("storage") }
}

func NewPlacer(fs afero.Fs, root string, maxSize int64, opts ...PlacerOption) *Placer {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	p := &Placer{
		fs:      fs,
		root:    root,
		maxSize: maxSize,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Placer) Root() string {
	return p.root
}

func (p *Placer) Fs() afero.Fs {
	return p.fs
}

// EnsureRoot creates the storage root.
func (p *Placer) EnsureRoot() error {
	if err := p.fs.MkdirAll(p.root, 0o755); err != nil {
		return util.Storage(err, "failed to create storage root")
	}
	return nil
}

// Place streams src into a fresh file under today's partition. The name is
// random, so nothing can read the file before the write completes.
func (p *Placer) Place(ctx context.Context, src io.Reader, ext string) (*StoredArtifact, error) {
	ext = util.NormalizeExtension(ext)
	if !util.IsVideoExtension(ext) {
		return nil, util.Validation("Unsupported file type %q. Please upload an mp4, avi or mkv video.", ext)
	}

	br := bufio.NewReaderSize(src, sniffLen)
	head, err := br.Peek(sniffLen)
	if len(head) == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, p.readError(err)
		}
		return nil, util.Validation("File is empty, please choose a video file to upload")
	}
	contentType := mimetype.Detect(head).String()

	if err := ctx.Err(); err != nil {
		return nil, util.Storage(err, "upload cancelled")
	}

	partition := util.PartitionFor(p.now())
	dir := filepath.Join(p.root, partition)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		p.logger.Error("failed to create upload directory", "dir", dir, "err", err)
		return nil, util.Storage(err, "Failed to create upload directory")
	}

	id := p.newID()
	name := partition + "_" + id + "." + ext
	path := filepath.Join(dir, name)

	f, err := p.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		p.logger.Error("failed to create file", "path", path, "err", err)
		return nil, util.Storage(err, "Failed to save file")
	}

	var r io.Reader = br
	if p.maxSize > 0 {
		r = io.LimitReader(br, p.maxSize+1)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		p.discard(path)
		return nil, p.readError(copyErr)
	case closeErr != nil:
		p.discard(path)
		p.logger.Error("failed to flush file", "path", path, "err", closeErr)
		return nil, util.Storage(closeErr, "Failed to save file")
	case p.maxSize > 0 && n > p.maxSize:
		p.discard(path)
		return nil, util.Validation("File too large. Maximum size is %s", humanize.IBytes(uint64(p.maxSize)))
	}

	p.logger.Info("stored upload", "name", name, "bytes", n, "type", contentType)
	return &StoredArtifact{
		Partition:   partition,
		ID:          id,
		Extension:   ext,
		Name:        name,
		Path:        path,
		Size:        n,
		ContentType: contentType,
	}, nil
}

// readError classifies a failure while reading the client payload.
func (p *Placer) readError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return util.Validation("File too large. Maximum size is %s", humanize.IBytes(uint64(tooLarge.Limit)))
	}
	p.logger.Error("failed to write upload", "err", err)
	return util.Storage(err, "Failed to save file")
}

func (p *Placer) discard(path string) {
	if err := p.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove partial upload", "path", path, "err", err)
	}
}

// Resolve maps a download name to a stored path: the date partition when
// the name embeds one, otherwise the flat root layout. Names are validated
// before any join.
func (p *Placer) Resolve(name string) (string, error) {
	if !util.IsSafeFilename(name) {
		return "", util.Validation("Invalid filename")
	}
	if !util.IsServableExtension(util.ExtensionOf(name)) {
		return "", util.NotFound("File not found")
	}

	var candidates []string
	if partition, ok := util.ExtractDatePartition(name); ok {
		candidates = append(candidates, filepath.Join(p.root, partition, name))
	}
	candidates = append(candidates, filepath.Join(p.root, name))

	for _, c := range candidates {
		info, err := p.fs.Stat(c)
		if err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", util.NotFound("File not found")
}

// Open resolves name and opens it for reading. The caller closes the file.
func (p *Placer) Open(name string) (afero.File, os.FileInfo, error) {
	path, err := p.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := p.fs.Open(path)
	if err != nil {
		p.logger.Warn("file not readable", "path", path, "err", err)
		return nil, nil, util.NotFound("File not found")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, util.NotFound("File not found")
	}
	return f, info, nil
}
