//go:build integration

package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cucumber/godog"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/coah80/bgm/internal/routes"
	"github.com/coah80/bgm/internal/services"
	"github.com/coah80/bgm/internal/util"
)

const (
	storageRoot = "/srv/uploads"
	gib         = 1 << 30
)

type stubExtractor struct{ fail bool }

func (s stubExtractor) Extract(_ context.Context, path string) services.ExtractionResult {
	if s.fail {
		return services.ExtractionResult{Source: path, ExitCode: 1,
			Err: util.Extraction(errors.New("exit status 1"), "ffmpeg exited with code 1")}
	}
	return services.ExtractionResult{Source: path, Output: util.AudioPathFor(path), Success: true}
}

type failureLog struct {
	mu    sync.Mutex
	files []string
}

func (f *failureLog) ExtractionFailed(filename string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, filename)
}

func (f *failureLog) LowDiskSpace(uint64, uint64) {}
func (f *failureLog) SweepFailed(int, error)      {}

type uploadWorld struct {
	fs            afero.Fs
	avail         uint64
	permits       int64
	extractorFail bool
	failures      *failureLog
	uploader      *services.Uploader
	router        http.Handler
	lastStatus    int
	lastBody      []byte
}

var uw *uploadWorld

func (w *uploadWorld) server() http.Handler {
	if w.router != nil {
		return w.router
	}
	placer := services.NewPlacer(w.fs, storageRoot, 100<<20)
	gate := services.NewGate(
		services.GateConfig{Root: storageRoot, MaxConcurrent: w.permits, MinFreeDisk: 5 * gib, MaxUploadSize: 100 << 20},
		services.WithDiskProbe(func(string) (util.DiskSpaceInfo, error) {
			return util.DiskSpaceInfo{Avail: w.avail, Total: 100 * gib}, nil
		}))
	w.uploader = services.NewUploader(gate, placer, stubExtractor{fail: w.extractorFail}, "http://localhost:3001",
		services.WithUploaderAlerts(w.failures))

	d := &routes.Deps{Uploader: w.uploader, Placer: placer, Gate: gate, Version: "features", StartedAt: time.Now()}
	r := chi.NewRouter()
	routes.CoreRoutes(r, d)
	routes.VideoRoutes(r, d)
	w.router = r
	return r
}

func (w *uploadWorld) do(req *http.Request) {
	rec := httptest.NewRecorder()
	w.server().ServeHTTP(rec, req)
	w.lastStatus = rec.Code
	w.lastBody = rec.Body.Bytes()
}

func theServerAllowsConcurrentUploads(n int) error {
	uw.permits = int64(n)
	return nil
}

func theStorageVolumeHasFree(n int) error {
	uw.avail = uint64(n) * gib
	return nil
}

func theExtractionToolAlwaysFails() error {
	uw.extractorFail = true
	return nil
}

func iUploadContaining(filename, content string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(fw, content); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req := httptest.NewRequest(http.MethodPost, "/api/video/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	uw.do(req)
	if uw.uploader != nil {
		uw.uploader.Wait()
	}
	return nil
}

func iDownload(name string) error {
	uw.do(httptest.NewRequest(http.MethodGet, "/api/video/download?filename="+url.QueryEscape(name), nil))
	return nil
}

func theResponseStatusShouldBe(status int) error {
	if uw.lastStatus != status {
		return fmt.Errorf("expected status %d, got %d: %s", status, uw.lastStatus, uw.lastBody)
	}
	return nil
}

func (w *uploadWorld) uploaded() (*services.UploadResponse, error) {
	var env struct {
		Data *services.UploadResponse `json:"data"`
	}
	if err := json.Unmarshal(w.lastBody, &env); err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, errors.New("response has no data")
	}
	return env.Data, nil
}

func theResponseShouldNameAFile(ext string) error {
	resp, err := uw.uploaded()
	if err != nil {
		return err
	}
	if resp.Extension != ext {
		return fmt.Errorf("expected extension %s, got %s", ext, resp.Extension)
	}
	if _, ok := util.ExtractDatePartition(resp.Filename); !ok {
		return fmt.Errorf("filename %s has no date partition", resp.Filename)
	}
	return nil
}

func downloadingTheReturnedFileYields(content string) error {
	resp, err := uw.uploaded()
	if err != nil {
		return err
	}
	u, err := url.Parse(resp.URL)
	if err != nil {
		return err
	}
	uw.do(httptest.NewRequest(http.MethodGet, u.Path, nil))
	if uw.lastStatus != http.StatusOK {
		return fmt.Errorf("download failed with %d", uw.lastStatus)
	}
	if string(uw.lastBody) != content {
		return fmt.Errorf("downloaded %q, want %q", uw.lastBody, content)
	}
	return nil
}

func noFilesShouldBeStored() error {
	var files []string
	exists, _ := afero.DirExists(uw.fs, storageRoot)
	if !exists {
		return nil
	}
	if err := afero.Walk(uw.fs, storageRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	}); err != nil {
		return err
	}
	if len(files) > 0 {
		return fmt.Errorf("expected no stored files, found %v", files)
	}
	return nil
}

func anExtractionFailureShouldBeRecorded() error {
	uw.failures.mu.Lock()
	defer uw.failures.mu.Unlock()
	if len(uw.failures.files) != 1 {
		return fmt.Errorf("expected one extraction failure, got %d", len(uw.failures.files))
	}
	return nil
}

func InitializeUploadScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		uw = &uploadWorld{fs: afero.NewMemMapFs(), permits: 3, failures: &failureLog{}}
		return c, nil
	})

	ctx.Step(`^the server allows (\d+) concurrent uploads$`, theServerAllowsConcurrentUploads)
	ctx.Step(`^the storage volume has (\d+) GiB free$`, theStorageVolumeHasFree)
	ctx.Step(`^the extraction tool always fails$`, theExtractionToolAlwaysFails)
	ctx.Step(`^I upload "([^"]*)" containing "([^"]*)"$`, iUploadContaining)
	ctx.Step(`^I download "([^"]*)"$`, iDownload)
	ctx.Step(`^the response status should be (\d+)$`, theResponseStatusShouldBe)
	ctx.Step(`^the response should name a "([^"]*)" file$`, theResponseShouldNameAFile)
	ctx.Step(`^downloading the returned file yields "([^"]*)"$`, downloadingTheReturnedFileYields)
	ctx.Step(`^no files should be stored$`, noFilesShouldBeStored)
	ctx.Step(`^an extraction failure should be recorded$`, anExtractionFailureShouldBeRecorded)
}
