//go:build windows

package services

import "golang.org/x/sys/windows"

type systemDisk struct{}

func (systemDisk) DiskUsage(path string) (DiskUsage, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return DiskUsage{}, err
	}
	var freeToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &totalFree); err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{Used: total - totalFree, Free: freeToCaller}, nil
}
