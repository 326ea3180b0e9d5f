package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Shell metacharacters and path tricks that could break out of the mount
// command line or the kubelet directory layout. Volume IDs and pod UIDs are
// interpolated into exec'd mount commands and host paths, so they must stay
// boring.
var dangerousCharacters = []string{
	";", "|", "&", "$", "`", "(", ")", "<", ">",
	"\n", "\r", "*", "?", "[", "]", "'", "\"", "\\", "\t", "\x00",
	" ", "..", "/",
}

const maxIDLength = 128

// ValidateVolumeID checks that a volume ID is safe to use in paths and
// mount commands
func ValidateVolumeID(volumeID string) error {
	if volumeID == "" {
		return fmt.Errorf("%w: volume ID is empty", ErrInvalidParameter)
	}
	if len(volumeID) > maxIDLength {
		return fmt.Errorf("%w: volume ID exceeds %d characters", ErrInvalidParameter, maxIDLength)
	}
	for _, ch := range dangerousCharacters {
		if strings.Contains(volumeID, ch) {
			return fmt.Errorf("%w: volume ID contains forbidden sequence %q", ErrInvalidParameter, ch)
		}
	}
	return nil
}

// ValidatePodUID checks that a pod UID is safe to use as a kubelet
// directory component
func ValidatePodUID(podUID string) error {
	if podUID == "" {
		return fmt.Errorf("%w: pod UID is empty", ErrInvalidParameter)
	}
	if len(podUID) > maxIDLength {
		return fmt.Errorf("%w: pod UID exceeds %d characters", ErrInvalidParameter, maxIDLength)
	}
	for _, ch := range dangerousCharacters {
		if strings.Contains(podUID, ch) {
			return fmt.Errorf("%w: pod UID contains forbidden sequence %q", ErrInvalidParameter, ch)
		}
	}
	return nil
}

// ValidateTargetPath checks that a publish target is an absolute, clean path
func ValidateTargetPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: target path is empty", ErrInvalidParameter)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: target path must be absolute", ErrInvalidParameter)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: target path must not contain path traversal", ErrInvalidParameter)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("%w: target path is not clean", ErrInvalidParameter)
	}
	return nil
}
