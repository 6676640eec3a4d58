package steerd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/steerd/steerd/config"
	"github.com/steerd/steerd/packet"
	"golang.org/x/sync/errgroup"
)

// Control is the handle the caller drives an assembled engine with: start
// it, inspect stats, drain individual entries, shut the whole thing down.
type Control struct {
	e          *Engine
	c          *config.C
	l          *logrus.Logger
	statsStart func()

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	startOnce sync.Once
	stopOnce  sync.Once
}

func newControl(e *Engine, c *config.C, l *logrus.Logger, statsStart func()) *Control {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	return &Control{
		e:          e,
		c:          c,
		l:          l,
		statsStart: statsStart,
		ctx:        ctx,
		cancel:     cancel,
		eg:         eg,
	}
}

// Start launches every consumer worker and producer context. The workers
// come up before the sources so the first staged frame already has its
// consumer running.
func (ct *Control) Start() {
	ct.startOnce.Do(func() {
		if ct.statsStart != nil {
			go ct.statsStart()
		}
		ct.c.CatchHUP(ct.ctx)

		for _, w := range ct.e.workers {
			w := w
			go w.run()
		}
		for _, s := range ct.e.sources {
			s := s
			ct.eg.Go(func() error {
				return s.run(ct.ctx)
			})
		}

		ct.l.WithField("entries", ct.e.m.Size()).WithField("sources", len(ct.e.sources)).
			Info("Engine started")
	})
}

// WaitSources blocks until every producer context has finished, either by
// exhausting its frame source or by cancellation. It returns the first
// source error, if any.
func (ct *Control) WaitSources() error {
	return ct.eg.Wait()
}

// Stop cancels the producer contexts, waits for their final flush, then
// drains every entry. When it returns no worker is running and every
// leftover frame has been counted.
func (ct *Control) Stop() {
	ct.stopOnce.Do(func() {
		ct.cancel()
		if err := ct.eg.Wait(); err != nil {
			ct.l.WithError(err).Error("Producer context failed during shutdown")
		}

		ct.RequestShutdownAll()
		for _, e := range ct.e.m.Entries() {
			<-e.WaitStopped()
		}

		ct.l.Info("Engine stopped")
	})
}

// ShutdownBlock runs until SIGTERM or SIGINT arrives or every source is
// exhausted, then performs a full Stop.
func (ct *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	done := make(chan error, 1)
	go func() {
		done <- ct.eg.Wait()
	}()

	select {
	case rawSig := <-sigChan:
		ct.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case err := <-done:
		if err != nil {
			ct.l.WithError(err).Error("Producer context failed, shutting down")
		} else {
			ct.l.Info("All frame sources exhausted, shutting down")
		}
	}

	ct.Stop()
}

// RequestShutdown drains a single entry without touching the rest of the
// map. Frames redirected at it afterwards are counted as dropped_full.
func (ct *Control) RequestShutdown(id int) error {
	e, err := ct.e.m.Lookup(id)
	if err != nil {
		return err
	}
	e.requestShutdown()
	return nil
}

// RequestShutdownAll moves every entry to Draining concurrently.
func (ct *Control) RequestShutdownAll() {
	for _, e := range ct.e.m.Entries() {
		e.requestShutdown()
	}
}

// Map exposes the engine's redirect map for lookups and iteration.
func (ct *Control) Map() *Map {
	return ct.e.m
}

// Stats returns the counter snapshot for one entry.
func (ct *Control) Stats(id int) (StatsSnapshot, error) {
	e, err := ct.e.m.Lookup(id)
	if err != nil {
		return StatsSnapshot{}, err
	}
	return e.Stats(), nil
}

// SourceStats returns the counter snapshots for every producer context in
// config order.
func (ct *Control) SourceStats() []SourceSnapshot {
	out := make([]SourceSnapshot, len(ct.e.sources))
	for i, s := range ct.e.sources {
		out[i] = s.Stats()
	}
	return out
}

// ChannelSource returns the in-process injection channel for a source
// configured with `type: channel`, keyed by its source id.
func (ct *Control) ChannelSource(id int) (*ChannelSource, bool) {
	cs, ok := ct.e.chanSources[id]
	return cs, ok
}

// Delivery exposes the engine's delivery sink. Callers that configured
// `delivery.type: channel` type-assert to *ChannelDelivery to consume it.
func (ct *Control) Delivery() Delivery {
	return ct.e.delivery
}

// Pool exposes the engine's packet pool so external producers allocate
// frames that recycle through the same free list.
func (ct *Control) Pool() *packet.Pool {
	return ct.e.pool
}
