//go:build !unix

package bytesource

import "os"

func mapRegion(*os.File, int64, int64) (*Buffer, error) {
	return nil, errMapUnsupported
}
