//go:build !linux

package hal

import "errors"

// Mirror is not available on non-Linux platforms.
type Mirror struct{}

// NewMirror returns an error on non-Linux platforms.
func NewMirror(chipName string, offsets map[uint8]int) (*Mirror, error) {
	return nil, errors.New("gpio mirror: not supported on this platform (requires Linux)")
}

// Apply is not implemented on non-Linux platforms.
func (m *Mirror) Apply(mask uint32) error {
	return errors.New("gpio mirror: not supported")
}

// Close is not implemented on non-Linux platforms.
func (m *Mirror) Close() error {
	return nil
}
