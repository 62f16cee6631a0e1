package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// verifySysfs checks that root is a mounted sysfs.
func verifySysfs(root string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", root, err)
	}
	if int64(stat.Type) != unix.SYSFS_MAGIC {
		return fmt.Errorf("%s is not a sysfs mount (filesystem type 0x%x)", root, stat.Type)
	}
	return nil
}
