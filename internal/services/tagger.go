package services

import (
	"fmt"

	"github.com/bogem/id3v2"
)

// TrackInfo is written into the extracted track's ID3 tag.
type TrackInfo struct {
	Title     string
	Partition string
}

// Tagger writes ID3 frames onto extracted mp3 files.
type Tagger struct {
	album string
}

func NewTagger(album string) *Tagger {
	return &Tagger{album: album}
}

// Tag sets title, album and year on the mp3 at path. Existing
// frames are kept.
func (t *Tagger) Tag(path string, info TrackInfo) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("open tag %s: %w", path, err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	if info.Title != "" {
		tag.SetTitle(info.Title)
	}
	if t.album != "" {
		tag.SetAlbum(t.album)
	}
	if len(info.Partition) >= 4 {
		tag.SetYear(info.Partition[:4])
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("save tag %s: %w", path, err)
	}
	return nil
}
