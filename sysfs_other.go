//go:build !linux

package main

import (
	"errors"
	"runtime"
)

func verifySysfs(root string) error {
	return errors.New("hwmon is not available on " + runtime.GOOS)
}
