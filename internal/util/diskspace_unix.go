//go:build !windows

package util

import (
	"syscall"
)

type DiskSpaceInfo struct {
	Avail uint64
	Total uint64
}

func (d DiskSpaceInfo) Used() uint64 {
	if d.Avail > d.Total {
		return 0
	}
	return d.Total - d.Avail
}

// GetDiskSpace reports the space available to unprivileged writers on the
// volume holding path.
func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskSpaceInfo{}, err
	}
	return DiskSpaceInfo{
		Avail: stat.Bavail * uint64(stat.Bsize),
		Total: stat.Blocks * uint64(stat.Bsize),
	}, nil
}
