//go:build !windows

package registry

// OpenLive fails on systems other than Windows.
func OpenLive() (Hive, error) {
	return nil, ErrLiveUnsupported
}
