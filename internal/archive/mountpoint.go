package archive

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// MountPoint is the single transient location an archive is mounted
// at. At most one archive is mounted at a time; mounting replaces the
// current one.
type MountPoint struct {
	mu      sync.Mutex
	current *Archive
	logger  *slog.Logger
}

// NewMountPoint returns an empty mount point.
func NewMountPoint(logger *slog.Logger) *MountPoint {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MountPoint{logger: logger}
}

// Mount parses data and makes it the current archive. An archive that
// is still mounted is released first; if that fails the new archive is
// not mounted and the error wraps ErrMountConflict.
func (m *MountPoint) Mount(data []byte) (*Archive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.Warn("releasing stale mount", "format", m.current.Format(), "size", m.current.Size())
		if err := m.current.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMountConflict, err)
		}
		m.current = nil
	}

	arc, err := Mount(data)
	if err != nil {
		return nil, err
	}
	m.current = arc
	m.logger.Debug("mounted archive", "format", arc.Format(), "size", arc.Size())
	return arc, nil
}

// Unmount releases the current archive. Unmounting an empty mount point
// is a no-op.
func (m *MountPoint) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}

// Current returns the mounted archive, if any.
func (m *MountPoint) Current() (*Archive, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}
