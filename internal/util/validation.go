package util

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/coah80/bgm/internal/config"
)

// PartitionLayout is the date format of storage partitions and of the
// prefix of every stored file name.
const PartitionLayout = "2006-01-02"

// PartialSuffix marks an output that is still being written.
const PartialSuffix = ".part"

var safeFilenameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IsSafeFilename reports whether name can be joined onto the storage root
// without escaping it. It must run before any filesystem join.
func IsSafeFilename(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return safeFilenameRe.MatchString(name)
}

// PartitionFor returns the partition token for t in t's location.
func PartitionFor(t time.Time) string {
	return t.Format(PartitionLayout)
}

// ExtractDatePartition returns the date prefix of a stored file name such as
// 2025-09-29_772f9446-a9f9-4508-9f78-aa0e64222d81.mp3. Names without a
// parseable prefix report false and are looked up at the storage root.
func ExtractDatePartition(name string) (string, bool) {
	idx := strings.IndexByte(name, '_')
	if idx == -1 {
		return "", false
	}
	datePart := name[:idx]
	if !IsPartition(datePart) {
		return "", false
	}
	return datePart, true
}

// IsPartition reports whether s is a calendar date in partition layout.
func IsPartition(s string) bool {
	t, err := time.Parse(PartitionLayout, s)
	if err != nil {
		return false
	}
	// time.Parse accepts some non-canonical inputs; insist on a round trip.
	return t.Format(PartitionLayout) == s
}

// NormalizeExtension lowercases ext and strips a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// ExtensionOf returns the normalized extension of a file name.
func ExtensionOf(name string) string {
	return NormalizeExtension(filepath.Ext(name))
}

func IsVideoExtension(ext string) bool {
	return config.Contains(config.AllowedVideoExtensions, NormalizeExtension(ext))
}

// PartialPathFor is where an output is written before it is complete.
func PartialPathFor(path string) string {
	return path + PartialSuffix
}

// IsServableExtension reports whether stored files with ext may be
// downloaded: accepted videos and extracted audio.
func IsServableExtension(ext string) bool {
	return IsVideoExtension(ext) || NormalizeExtension(ext) == config.AudioExtension
}

// AudioPathFor swaps the extension of a video path for the audio one.
func AudioPathFor(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "." + config.AudioExtension
}
