//go:build !darwin && !linux

package storage

// FilesystemType is not detectable on this platform.
func FilesystemType(string) (string, error) {
	return "unknown", nil
}
