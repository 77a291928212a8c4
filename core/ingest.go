package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/schema"
)

// ingestor owns the transport decode loop. A polled transport gets a
// dedicated goroutine draining it on a per-tick byte budget; push
// delivery skips the loop and lands packets through deliver.
type ingestor struct {
	cfg  schema.IngestConfig
	log  pslog.Logger
	tel  *telemetry
	sink func(schema.SessionID, []byte)

	mu        sync.Mutex
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
	gen       uint64
}

func newIngestor(cfg schema.IngestConfig, logger pslog.Logger, tel *telemetry, sink func(schema.SessionID, []byte)) *ingestor {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &ingestor{cfg: cfg, log: logger, tel: tel, sink: sink}
}

// start begins draining tr on its own goroutine. A previous loop, if
// any, is stopped first.
func (ing *ingestor) start(tr Transport) {
	ing.stop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ing.mu.Lock()
	ing.gen++
	gen := ing.gen
	ing.transport = tr
	ing.cancel = cancel
	ing.done = done
	ing.mu.Unlock()
	go ing.loop(ctx, tr, gen, done)
	ing.log.Debug("ingest transport active", "kind", string(tr.Kind()))
}

// stop tears down the loop and closes the transport.
func (ing *ingestor) stop() {
	ing.mu.Lock()
	cancel := ing.cancel
	done := ing.done
	tr := ing.transport
	ing.cancel = nil
	ing.done = nil
	ing.transport = nil
	ing.gen++
	ing.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if tr != nil {
		_ = tr.Close()
	}
}

func (ing *ingestor) loop(ctx context.Context, tr Transport, gen uint64, done chan struct{}) {
	defer close(done)
	idle := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		packets, n, err := tr.Poll(ing.cfg.TickByteBudget)
		if err != nil {
			ing.fail(gen, err)
			return
		}
		for _, p := range packets {
			ing.tel.packetsDecoded.Add(1)
			ing.tel.bytesIngested.Add(uint64(len(p.Payload)))
			ing.sink(p.SessionID, p.Payload)
		}
		var wait time.Duration
		wait, idle = ing.nextWait(n, idle)
		timer.Reset(wait)
	}
}

// nextWait picks the next tick delay. A full budget means data is still
// pending, so reschedule at the short fixed interval; a partial read
// drained what was there and restarts the idle ladder; an empty read
// climbs the ladder one step and stays at the top once there.
func (ing *ingestor) nextWait(n, idle int) (time.Duration, int) {
	if n >= ing.cfg.TickByteBudget {
		return ing.cfg.RescheduleInterval, 0
	}
	ladder := ing.cfg.IdleBackoff
	if len(ladder) == 0 {
		ladder = schema.DefaultIdleBackoff()
	}
	if n > 0 {
		return ladder[0], 0
	}
	wait := ladder[idle]
	if idle < len(ladder)-1 {
		idle++
	}
	return wait, idle
}

// fail tears down the transport after a runtime error. The generation
// check keeps a racing stop or restart from closing a fresh transport.
func (ing *ingestor) fail(gen uint64, err error) {
	ing.mu.Lock()
	if ing.gen != gen {
		ing.mu.Unlock()
		return
	}
	tr := ing.transport
	ing.transport = nil
	ing.cancel = nil
	ing.done = nil
	ing.gen++
	ing.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	ing.tel.transportResets.Add(1)
	ing.log.Warn("ingest transport failed", "error", err)
}

// deliver lands one pushed message directly.
func (ing *ingestor) deliver(id schema.SessionID, data []byte) {
	if len(data) == 0 {
		return
	}
	ing.tel.packetsDecoded.Add(1)
	ing.tel.bytesIngested.Add(uint64(len(data)))
	ing.sink(id, data)
}

// kind reports the active transport kind; with no polled transport the
// pipeline is in push mode.
func (ing *ingestor) kind() schema.TransportKind {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.transport != nil {
		return ing.transport.Kind()
	}
	return schema.TransportPush
}

// selfAcking reports whether consumed bytes must not be re-acked
// through the backend.
func (ing *ingestor) selfAcking() bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.transport != nil && ing.transport.SelfAcking()
}
