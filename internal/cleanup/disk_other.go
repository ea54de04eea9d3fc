//go:build !linux && !darwin

package cleanup

import "errors"

func diskUsage(dir string) (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	return 0, 0, 0, errors.New("disk usage not supported on this platform")
}
