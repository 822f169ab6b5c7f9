package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/bgm/internal/util"
)

var testDay = time.Date(2025, 9, 29, 14, 30, 0, 0, time.UTC)

func newTestPlacer(t *testing.T, maxSize int64) (*Placer, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	ids := []string{"aaaa", "bbbb", "cccc", "dddd"}
	var (
		mu sync.Mutex
		i  int
	)
	p := NewPlacer(fs, "/srv/uploads", maxSize,
		WithClock(func() time.Time { return testDay }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			i++
			if i <= len(ids) {
				return ids[i-1]
			}
			return fmt.Sprintf("id%d", i)
		}))
	return p, fs
}

// mp4Header is enough of an ftyp box for content sniffing.
func mp4Header() []byte {
	return []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")
}

func TestPlaceWritesUnderPartition(t *testing.T) {
	p, fs := newTestPlacer(t, 1<<20)
	payload := append(mp4Header(), bytes.Repeat([]byte{1}, 5000)...)

	art, err := p.Place(context.Background(), bytes.NewReader(payload), ".MP4")
	require.NoError(t, err)

	assert.Equal(t, "2025-09-29", art.Partition)
	assert.Equal(t, "mp4", art.Extension)
	assert.Equal(t, "2025-09-29_aaaa.mp4", art.Name)
	assert.Equal(t, filepath.Join(p.Root(), "2025-09-29", "2025-09-29_aaaa.mp4"), art.Path)
	assert.EqualValues(t, len(payload), art.Size)
	assert.Equal(t, "video/mp4", art.ContentType)

	got, err := afero.ReadFile(fs, art.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPlacePartitionMatchesLookup(t *testing.T) {
	p, _ := newTestPlacer(t, 1<<20)

	art, err := p.Place(context.Background(), strings.NewReader("video"), "mkv")
	require.NoError(t, err)

	partition, ok := util.ExtractDatePartition(art.Name)
	require.True(t, ok)
	assert.Equal(t, art.Partition, partition)

	path, err := p.Resolve(art.Name)
	require.NoError(t, err)
	assert.Equal(t, art.Path, path)
}

func TestPlaceDistinctNames(t *testing.T) {
	p, _ := newTestPlacer(t, 1<<20)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		art, err := p.Place(context.Background(), strings.NewReader("x"), "avi")
		require.NoError(t, err)
		assert.False(t, seen[art.Name])
		seen[art.Name] = true
	}
}

func TestPlaceRejectsExtensionBeforeWriting(t *testing.T) {
	for _, ext := range []string{"mov", "exe", "", "mp3", "mp4.sh"} {
		t.Run(ext, func(t *testing.T) {
			p, fs := newTestPlacer(t, 1<<20)
			_, err := p.Place(context.Background(), strings.NewReader("data"), ext)
			require.Error(t, err)
			assert.Equal(t, util.KindValidation, util.KindOf(err))

			exists, _ := afero.DirExists(fs, p.Root())
			assert.False(t, exists, "no directory is created")
		})
	}
}

func TestPlaceEmptyPayload(t *testing.T) {
	p, fs := newTestPlacer(t, 1<<20)
	_, err := p.Place(context.Background(), strings.NewReader(""), "mp4")
	require.Error(t, err)
	assert.Equal(t, util.KindValidation, util.KindOf(err))

	exists, _ := afero.DirExists(fs, p.Root())
	assert.False(t, exists)
}

func TestPlaceTooLargeRemovesPartial(t *testing.T) {
	p, fs := newTestPlacer(t, 10)
	_, err := p.Place(context.Background(), strings.NewReader(strings.Repeat("x", 11)), "mp4")
	require.Error(t, err)
	assert.Equal(t, util.KindValidation, util.KindOf(err))
	assert.Equal(t, "File too large. Maximum size is 10 B", util.ToUserError(err))

	entries, err := afero.ReadDir(fs, filepath.Join(p.Root(), "2025-09-29"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPlaceExactlyAtCap(t *testing.T) {
	p, _ := newTestPlacer(t, 10)
	art, err := p.Place(context.Background(), strings.NewReader(strings.Repeat("x", 10)), "mp4")
	require.NoError(t, err)
	assert.EqualValues(t, 10, art.Size)
}

func TestPlaceMaxBytesErrorIsValidation(t *testing.T) {
	p, _ := newTestPlacer(t, 1<<20)
	rec := httptest.NewRecorder()
	body := http.MaxBytesReader(rec, io.NopCloser(strings.NewReader(strings.Repeat("x", 5000))), 4000)

	_, err := p.Place(context.Background(), body, "mp4")
	require.Error(t, err)
	assert.Equal(t, util.KindValidation, util.KindOf(err))
	assert.Equal(t, "File too large. Maximum size is 3.9 KiB", util.ToUserError(err))
}

type failingReader struct{ after int }

func (f *failingReader) Read(b []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("connection reset")
	}
	n := len(b)
	if n > f.after {
		n = f.after
	}
	for i := 0; i < n; i++ {
		b[i] = 'x'
	}
	f.after -= n
	return n, nil
}

func TestPlaceReadFailureIsStorageError(t *testing.T) {
	p, fs := newTestPlacer(t, 1<<20)
	_, err := p.Place(context.Background(), &failingReader{after: 4096}, "mp4")
	require.Error(t, err)
	assert.Equal(t, util.KindStorage, util.KindOf(err))

	entries, _ := afero.ReadDir(fs, filepath.Join(p.Root(), "2025-09-29"))
	assert.Empty(t, entries)
}

func TestPlaceMkdirFailure(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	p := NewPlacer(fs, "/srv/uploads", 1<<20)

	_, err := p.Place(context.Background(), strings.NewReader("data"), "mp4")
	require.Error(t, err)
	assert.Equal(t, util.KindStorage, util.KindOf(err))
	assert.Equal(t, 500, util.StatusOf(err))
}

func TestPlaceCancelledContext(t *testing.T) {
	p, fs := newTestPlacer(t, 1<<20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Place(ctx, strings.NewReader("data"), "mp4")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	exists, _ := afero.DirExists(fs, p.Root())
	assert.False(t, exists)
}

func TestResolve(t *testing.T) {
	p, fs := newTestPlacer(t, 1<<20)
	root := p.Root()
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "2025-09-29", "2025-09-29_abc.mp3"), []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "2025-09-28_old.mp3"), []byte("b"), 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "legacy.mp4"), []byte("c"), 0o644))
	require.NoError(t, fs.MkdirAll(filepath.Join(root, "2025-09-29", "2025-09-29_dir.mp4"), 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "2025-09-29", "2025-09-29_abc.mp3.part"), []byte("p"), 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "2025-09-29", "2025-09-29_abc.txt"), []byte("t"), 0o644))

	tests := []struct {
		name string
		in   string
		want string
		kind util.Kind
	}{
		{"partitioned", "2025-09-29_abc.mp3", filepath.Join(root, "2025-09-29", "2025-09-29_abc.mp3"), 0},
		{"dated name at root", "2025-09-28_old.mp3", filepath.Join(root, "2025-09-28_old.mp3"), 0},
		{"undated name at root", "legacy.mp4", filepath.Join(root, "legacy.mp4"), 0},
		{"missing", "2025-09-29_nope.mp3", "", util.KindNotFound},
		{"partial audio", "2025-09-29_abc.mp3.part", "", util.KindNotFound},
		{"unservable extension", "2025-09-29_abc.txt", "", util.KindNotFound},
		{"directory is not a file", "2025-09-29_dir.mp4", "", util.KindNotFound},
		{"traversal", "../secret", "", util.KindValidation},
		{"separator", "2025-09-29/2025-09-29_abc.mp3", "", util.KindValidation},
		{"empty", "", "", util.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Resolve(tt.in)
			if tt.want == "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, util.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen(t *testing.T) {
	p, _ := newTestPlacer(t, 1<<20)
	art, err := p.Place(context.Background(), strings.NewReader("round trip"), "mp4")
	require.NoError(t, err)

	f, info, err := p.Open(art.Name)
	require.NoError(t, err)
	defer f.Close()
	assert.EqualValues(t, len("round trip"), info.Size())

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "round trip", string(got))
}
