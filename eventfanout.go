package termflow

import (
	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnOutput(event schema.OutputEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnOutput(event)
	}
}

func (f eventFanout) OnUnseen(event schema.UnseenEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnUnseen(event)
	}
}

func (f eventFanout) OnTier(event schema.TierEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTier(event)
	}
}

func (f eventFanout) OnResize(event schema.ResizeEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnResize(event)
	}
}

func (f eventFanout) OnSessionEvent(event schema.SessionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionEvent(event)
	}
}

func (f eventFanout) OnContextEvent(event schema.ContextEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnContextEvent(event)
	}
}
