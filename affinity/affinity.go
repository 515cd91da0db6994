// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations
// live in affinity_linux.go and affinity_stub.go, guarded by build tags.

package affinity

// SetAffinity pins the calling OS thread to a given logical CPU on
// supported platforms. On unsupported platforms it returns an error.
// The caller is expected to have locked the goroutine to its thread.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}
