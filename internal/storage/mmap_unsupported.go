//go:build !linux && !darwin

package storage

// On unsupported platforms, MMap falls back to File
type MMap struct {
	*File
}

func NewMMap(path string, pageSize int) (*MMap, error) {
	f, err := NewFile(path, pageSize)
	if err != nil {
		return nil, err
	}
	return &MMap{File: f}, nil
}
