package core

import "github.com/canopyide/termflow/schema"

// Surface is the rendering collaborator for one session. Write is fire
// and forget; done runs once the bytes have actually been rendered and
// may be nil.
type Surface interface {
	Write(data []byte, done func())
	Resize(g schema.Geometry) error
	// Viewport reports the consumer's scroll position.
	Viewport() schema.ViewportState
	Close() error
}

// SurfaceFactory opens the rendering surface for a new session.
type SurfaceFactory interface {
	Open(id schema.SessionID, g schema.Geometry) (Surface, error)
}

// SurfaceFactoryFunc adapts a function to the SurfaceFactory interface.
type SurfaceFactoryFunc func(id schema.SessionID, g schema.Geometry) (Surface, error)

// Open calls f.
func (f SurfaceFactoryFunc) Open(id schema.SessionID, g schema.Geometry) (Surface, error) {
	return f(id, g)
}
