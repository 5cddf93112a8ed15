package rpc

import (
	"fmt"
	"strings"
)

const (
	// ProtocolVersion is stamped on every outgoing envelope
	ProtocolVersion = "1.0.0"

	// MinSupportedVersion is the oldest envelope version we still answer
	MinSupportedVersion = "1.0.0"
)

// IsVersionSupported reports whether an envelope version can be handled.
// An empty version is treated as 1.0.0.
func IsVersionSupported(version string) bool {
	if version == "" {
		version = "1.0.0"
	}
	return CompareVersions(version, MinSupportedVersion) >= 0 &&
		CompareVersions(version, ProtocolVersion) <= 0
}

// CompareVersions compares two major.minor.patch versions.
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2.
func CompareVersions(v1, v2 string) int {
	v1parts := strings.Split(v1, ".")
	v2parts := strings.Split(v2, ".")

	for i := 0; i < 3; i++ {
		var n1, n2 int
		if i < len(v1parts) {
			fmt.Sscanf(v1parts[i], "%d", &n1)
		}
		if i < len(v2parts) {
			fmt.Sscanf(v2parts[i], "%d", &n2)
		}

		if n1 < n2 {
			return -1
		}
		if n1 > n2 {
			return 1
		}
	}
	return 0
}
