package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggerWritesFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2025-09-29_abc.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0o644))

	tagger := NewTagger("bgm")
	require.NoError(t, tagger.Tag(path, TrackInfo{Title: "holiday clip", Partition: "2025-09-29"}))

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	require.NoError(t, err)
	defer tag.Close()

	assert.Equal(t, "holiday clip", tag.Title())
	assert.Equal(t, "bgm", tag.Album())
	assert.Equal(t, "2025", tag.Year())
}

func TestTaggerMissingFile(t *testing.T) {
	err := NewTagger("bgm").Tag(filepath.Join(t.TempDir(), "missing.mp3"), TrackInfo{Title: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
