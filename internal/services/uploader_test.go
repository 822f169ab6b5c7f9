package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/bgm/internal/util"
)

type fakeExtractor struct {
	mu     sync.Mutex
	calls  []string
	result func(path string) ExtractionResult
}

func (f *fakeExtractor) Extract(_ context.Context, path string) ExtractionResult {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if f.result != nil {
		return f.result(path)
	}
	return ExtractionResult{Source: path, Output: util.AudioPathFor(path), Success: true, ExitCode: 0}
}

func (f *fakeExtractor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeTagger struct {
	mu    sync.Mutex
	infos []TrackInfo
}

func (f *fakeTagger) Tag(_ string, info TrackInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, info)
	return nil
}

type uploaderFixture struct {
	fs        afero.Fs
	gate      *Gate
	placer    *Placer
	extractor *fakeExtractor
	alerts    *recordingAlerts
	uploader  *Uploader
}

func newUploaderFixture(t *testing.T, maxConcurrent int64, avail uint64, opts ...UploaderOption) *uploaderFixture {
	t.Helper()
	f := &uploaderFixture{extractor: &fakeExtractor{}, alerts: &recordingAlerts{}}
	f.placer, f.fs = newTestPlacer(t, 1<<20)
	f.gate = NewGate(GateConfig{Root: "/srv", MaxConcurrent: maxConcurrent, MinFreeDisk: 5 * gib, MaxUploadSize: 1 << 20},
		WithDiskProbe(fixedDisk(avail)))
	opts = append([]UploaderOption{WithUploaderAlerts(f.alerts)}, opts...)
	f.uploader = NewUploader(f.gate, f.placer, f.extractor, "http://localhost:3001/", opts...)
	return f
}

func TestUploadRoundTrip(t *testing.T) {
	tagger := &fakeTagger{}
	f := newUploaderFixture(t, 3, 50*gib, WithTagger(tagger))
	payload := "pretend this is an mp4"

	resp, err := f.uploader.Upload(context.Background(), UploadRequest{
		Body:     strings.NewReader(payload),
		Filename: "Holiday Clip.MP4",
		Size:     int64(len(payload)),
	})
	require.NoError(t, err)
	f.uploader.Wait()

	assert.Equal(t, "2025-09-29_aaaa.mp4", resp.Filename)
	assert.Equal(t, "mp4", resp.Extension)
	assert.Equal(t, "http://localhost:3001/api/video/download/2025-09-29_aaaa.mp4", resp.URL)
	assert.Equal(t, "2025-09-29_aaaa.mp3", resp.AudioFilename)
	assert.Equal(t, "http://localhost:3001/api/video/download/2025-09-29_aaaa.mp3", resp.AudioURL)

	file, _, err := f.placer.Open(resp.Filename)
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	require.Len(t, f.extractor.Calls(), 1)
	require.Len(t, tagger.infos, 1)
	assert.Equal(t, TrackInfo{Title: "Holiday Clip", Partition: "2025-09-29"}, tagger.infos[0])
	assert.EqualValues(t, 0, f.gate.InUse())
}

func TestUploadRejectsBadExtension(t *testing.T) {
	for _, name := range []string{"song.mp3", "clip.mov", "noext", "", "evil.mp4.exe"} {
		t.Run(name, func(t *testing.T) {
			f := newUploaderFixture(t, 3, 50*gib)
			_, err := f.uploader.Upload(context.Background(), UploadRequest{
				Body: strings.NewReader("data"), Filename: name, Size: 4,
			})
			require.Error(t, err)
			assert.Equal(t, 400, util.StatusOf(err))

			exists, _ := afero.DirExists(f.fs, f.placer.Root())
			assert.False(t, exists, "no file is written")
			assert.Empty(t, f.extractor.Calls())
		})
	}
}

func TestUploadLowDiskCreatesNothing(t *testing.T) {
	f := newUploaderFixture(t, 3, 1*gib)

	_, err := f.uploader.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("data"), Filename: "clip.mp4", Size: 4,
	})
	require.Error(t, err)
	assert.Equal(t, 503, util.StatusOf(err))

	exists, _ := afero.DirExists(f.fs, f.placer.Root())
	assert.False(t, exists)
	assert.EqualValues(t, 0, f.gate.InUse())
}

func TestUploadSucceedsWhenExtractionFails(t *testing.T) {
	for name, res := range map[string]ExtractionResult{
		"non-zero exit": {ExitCode: 1, Err: util.Extraction(errors.New("exit status 1"), "ffmpeg exited with code 1")},
		"timeout":       {TimedOut: true, Err: util.Extraction(ErrExtractionTimeout, "ffmpeg did not finish")},
	} {
		t.Run(name, func(t *testing.T) {
			tagger := &fakeTagger{}
			f := newUploaderFixture(t, 3, 50*gib, WithTagger(tagger))
			f.extractor.result = func(string) ExtractionResult { return res }

			resp, err := f.uploader.Upload(context.Background(), UploadRequest{
				Body: strings.NewReader("data"), Filename: "clip.avi", Size: -1,
			})
			require.NoError(t, err)
			assert.Equal(t, "avi", resp.Extension)
			f.uploader.Wait()

			assert.Equal(t, []string{resp.Filename}, f.alerts.extractionFailures())
			assert.Empty(t, tagger.infos)

			_, err = f.placer.Resolve(resp.Filename)
			assert.NoError(t, err, "the stored video is kept")
		})
	}
}

func TestUploadStorageFailureReleasesPermit(t *testing.T) {
	f := newUploaderFixture(t, 1, 50*gib)

	_, err := f.uploader.Upload(context.Background(), UploadRequest{
		Body: &failingReader{after: 5000}, Filename: "clip.mp4", Size: -1,
	})
	require.Error(t, err)
	assert.Equal(t, 500, util.StatusOf(err))
	assert.EqualValues(t, 0, f.gate.InUse())

	_, err = f.uploader.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("ok"), Filename: "clip.mp4", Size: 2,
	})
	require.NoError(t, err)
	f.uploader.Wait()
}

// gatedReader blocks its first Read until release is closed.
type gatedReader struct {
	release <-chan struct{}
	r       io.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.release
	return g.r.Read(p)
}

func TestUploadConcurrencyLimit(t *testing.T) {
	const n = 3
	f := newUploaderFixture(t, n, 50*gib)
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.uploader.Upload(context.Background(), UploadRequest{
				Body:     &gatedReader{release: release, r: strings.NewReader("video")},
				Filename: "clip.mkv",
				Size:     5,
			})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return f.gate.InUse() == n }, 2*time.Second, 5*time.Millisecond)

	_, err := f.uploader.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("video"), Filename: "clip.mkv", Size: 5,
	})
	require.Error(t, err)
	assert.Equal(t, util.KindCapacity, util.KindOf(err))
	assert.Equal(t, 503, util.StatusOf(err))

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	f.uploader.Wait()

	assert.EqualValues(t, 0, f.gate.InUse())
	assert.Len(t, f.extractor.Calls(), n)
}

// newDiskUploader runs uploads through a real Runner on a temp directory.
func newDiskUploader(t *testing.T, script string, tagger *fakeTagger) (*Uploader, *Placer, *recordingAlerts) {
	t.Helper()
	bin := fakeFFmpeg(t, script)
	placer := NewPlacer(afero.NewOsFs(), t.TempDir(), 1<<20, WithClock(func() time.Time { return testDay }))
	gate := NewGate(GateConfig{Root: placer.Root(), MaxConcurrent: 3, MinFreeDisk: 5 * gib, MaxUploadSize: 1 << 20},
		WithDiskProbe(fixedDisk(50*gib)))
	runner := NewRunner(WithFFmpegPath(bin), WithWaitTimeout(100*time.Millisecond), WithHardTimeout(5*time.Second))
	alerts := &recordingAlerts{}
	return NewUploader(gate, placer, runner, "http://localhost:3001", WithTagger(tagger), WithUploaderAlerts(alerts)), placer, alerts
}

func TestUploadSlowExtractionIsTaggedNotAlerted(t *testing.T) {
	tagger := &fakeTagger{}
	uploader, placer, alerts := newDiskUploader(t, `sleep 0.5
printf 'ID3' > "$last"`, tagger)

	resp, err := uploader.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("video"), Filename: "Sunday.mp4", Size: 5,
	})
	require.NoError(t, err)
	uploader.Wait()

	file, _, err := placer.Open(resp.AudioFilename)
	require.NoError(t, err, "Wait returns only after the child exits")
	file.Close()
	assert.Empty(t, alerts.extractionFailures())
	require.Len(t, tagger.infos, 1)
	assert.Equal(t, TrackInfo{Title: "Sunday", Partition: "2025-09-29"}, tagger.infos[0])
}

func TestUploadSlowExtractionFailureIsAlerted(t *testing.T) {
	tagger := &fakeTagger{}
	uploader, placer, alerts := newDiskUploader(t, `printf 'trunc' > "$last"
sleep 0.3
exit 1`, tagger)

	resp, err := uploader.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("video"), Filename: "clip.mp4", Size: 5,
	})
	require.NoError(t, err)
	uploader.Wait()

	assert.Equal(t, []string{resp.Filename}, alerts.extractionFailures())
	assert.Empty(t, tagger.infos)
	_, err = placer.Resolve(resp.AudioFilename)
	assert.Equal(t, util.KindNotFound, util.KindOf(err))
}

func TestAudioNotDownloadableWhileExtracting(t *testing.T) {
	uploader, placer, _ := newDiskUploader(t, `printf 'HALF' > "$last"
sleep 1
printf 'REST' >> "$last"`, &fakeTagger{})

	resp, err := uploader.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("video"), Filename: "clip.mp4", Size: 5,
	})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	_, _, err = placer.Open(resp.AudioFilename)
	require.Error(t, err)
	assert.Equal(t, 404, util.StatusOf(err))
	_, _, err = placer.Open(resp.AudioFilename + util.PartialSuffix)
	assert.Equal(t, 404, util.StatusOf(err))

	uploader.Wait()
	file, _, err := placer.Open(resp.AudioFilename)
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "HALFREST", string(got))
}

func TestDownloadURLEscapes(t *testing.T) {
	u := NewUploader(nil, nil, nil, "https://bgm.example.com")
	assert.Equal(t, "https://bgm.example.com/api/video/download/a%20b.mp3", u.DownloadURL("a b.mp3"))
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "c | d", lastLines([]string{"a", "b", "c", "d"}, 2))
	assert.Equal(t, "a", lastLines([]string{"a"}, 5))
}
