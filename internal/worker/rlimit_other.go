//go:build !linux

package worker

import "errors"

func limitMemory(int64) error {
	return errors.New("address space limits are only supported on linux")
}
