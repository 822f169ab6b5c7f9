package services

import (
	"context"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/logging"
	"github.com/coah80/bgm/internal/metrics"
	"github.com/coah80/bgm/internal/util"
)

// DownloadPath is the route prefix for stored artifacts.
const DownloadPath = "/api/video/download/"

// Extractor turns a stored video into an audio track.
type Extractor interface {
	Extract(ctx context.Context, videoPath string) ExtractionResult
}

// TrackTagger labels an extracted track.
type TrackTagger interface {
	Tag(path string, info TrackInfo) error
}

// UploadRequest is one inbound upload. Size is the declared payload size,
// negative when unknown.
type UploadRequest struct {
	Body     io.Reader
	Filename string
	Size     int64
}

// UploadResponse describes the stored video. The audio fields name where
// the extracted track will appear; extraction may still be running or may
// have failed.
type UploadResponse struct {
	Filename      string `json:"filename"`
	URL           string `json:"url"`
	Extension     string `json:"extension"`
	AudioFilename string `json:"audioFilename"`
	AudioURL      string `json:"audioUrl"`
}

// Uploader runs the upload pipeline: admit, store, dispatch extraction,
// respond.
type Uploader struct {
	gate      *Gate
	placer    *Placer
	extractor Extractor
	tagger    TrackTagger
	alerts    Alerter
	metrics   metrics.Recorder
	logger    *log.Logger
	publicURL string

	inflight sync.WaitGroup
}

type UploaderOption func(*Uploader)

func WithTagger(t TrackTagger) UploaderOption {
	return func(u *Uploader) { u.tagger = t }
}

func WithUploaderAlerts(a Alerter) UploaderOption {
	return func(u *Uploader) { u.alerts = a }
}

func WithUploaderMetrics(m metrics.Recorder) UploaderOption {
	return func(u *Uploader) { u.metrics = m }
}

func WithUploaderLogger(l *log.Logger) UploaderOption {
	return func(u *Uploader) { u.logger = logging.OrDiscard(l).WithPrefix("upload") }
}

func NewUploader(gate *Gate, placer *Placer, extractor Extractor, publicURL string, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		gate:      gate,
		placer:    placer,
		extractor: extractor,
		alerts:    nopAlerter{},
		metrics:   metrics.Noop{},
		logger:    logging.Discard(),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload admits, stores and dispatches extraction for one video. The permit
// is released on every return path. Extraction outcome never changes the
// result.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	resp, err := u.upload(ctx, req)
	if err != nil {
		u.metrics.IncUpload(util.KindOf(err).String())
		return nil, err
	}
	u.metrics.IncUpload("ok")
	return resp, nil
}

func (u *Uploader) upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, util.Validation("Filename is missing")
	}
	ext := util.ExtensionOf(req.Filename)
	if !util.IsVideoExtension(ext) {
		return nil, util.Validation("Unsupported file type. Allowed: %s", strings.Join(config.AllowedVideoExtensions, ", "))
	}

	ticket, err := u.gate.Admit(req.Size)
	if err != nil {
		return nil, err
	}
	defer ticket.Release()

	art, err := u.placer.Place(ctx, req.Body, ext)
	if err != nil {
		return nil, err
	}

	u.dispatch(art, util.DisplayName(req.Filename))

	audioName := filepath.Base(util.AudioPathFor(art.Name))
	return &UploadResponse{
		Filename:      art.Name,
		URL:           u.DownloadURL(art.Name),
		Extension:     art.Extension,
		AudioFilename: audioName,
		AudioURL:      u.DownloadURL(audioName),
	}, nil
}

// dispatch starts extraction detached from the request. When the runner
// stops waiting early, the goroutine follows the child to its final result.
// Failures are logged and alerted only.
func (u *Uploader) dispatch(art *StoredArtifact, title string) {
	u.inflight.Add(1)
	go func() {
		defer u.inflight.Done()

		res := u.extractor.Extract(context.Background(), art.Path)
		if res.Late != nil {
			u.metrics.ObserveExtraction(extractionStatus(res), res.Duration.Seconds())
			u.logger.Warn("extraction still running", "video", art.Name, "err", res.Err)
			final, ok := <-res.Late
			if !ok {
				return
			}
			u.finish(art, title, final, "late_")
			return
		}
		u.finish(art, title, res, "")
	}()
}

func (u *Uploader) finish(art *StoredArtifact, title string, res ExtractionResult, prefix string) {
	status := extractionStatus(res)
	u.metrics.ObserveExtraction(prefix+status, res.Duration.Seconds())

	if !res.Success {
		u.logger.Error("extraction failed", "video", art.Name, "status", prefix+status,
			"exit", res.ExitCode, "err", res.Err, "tail", lastLines(res.Diagnostics, 5))
		u.alerts.ExtractionFailed(art.Name, res.Err)
		return
	}
	u.logger.Info("extracted audio", "video", art.Name, "output", filepath.Base(res.Output), "took", res.Duration)

	if u.tagger == nil {
		return
	}
	if err := u.tagger.Tag(res.Output, TrackInfo{Title: title, Partition: art.Partition}); err != nil {
		u.logger.Warn("failed to tag audio", "output", res.Output, "err", err)
	}
}

func extractionStatus(res ExtractionResult) string {
	switch {
	case res.Success:
		return "ok"
	case res.TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

// Wait blocks until every dispatched extraction has reached its final
// result, including children that outlived the runner's wait.
func (u *Uploader) Wait() {
	u.inflight.Wait()
}

// DownloadURL is the public URL of a stored artifact.
func (u *Uploader) DownloadURL(name string) string {
	return u.publicURL + DownloadPath + url.PathEscape(name)
}

func lastLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
