//go:build unix

package local

import (
	"os"
	"syscall"
	"time"
)

// extractCreatedTime returns the birth time when the platform records one.
func extractCreatedTime(info os.FileInfo) *time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return extractBirthTime(stat)
}
