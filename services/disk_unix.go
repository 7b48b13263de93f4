//go:build !windows

package services

import "golang.org/x/sys/unix"

type systemDisk struct{}

func (systemDisk) DiskUsage(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, err
	}
	bsize := uint64(st.Bsize)
	return DiskUsage{
		Used: (uint64(st.Blocks) - uint64(st.Bfree)) * bsize,
		Free: uint64(st.Bavail) * bsize,
	}, nil
}
