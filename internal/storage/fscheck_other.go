//go:build !darwin && !linux

package storage

// detectFilesystemType has no statfs backend here; every path is allowed.
func detectFilesystemType(string) (string, error) {
	return "", errUnknownFilesystem
}
