package core

import "pkt.systems/pslog"

// ServiceDeps captures optional dependencies for the pipeline service.
type ServiceDeps struct {
	Backend   Backend
	Surfaces  SurfaceFactory
	EventSink EventSink
	Detector  RedrawDetector
	Clock     Clock
	Logger    pslog.Logger
}
