// Package statetransfer wires the protocol engine (module/statetransfer/core)
// into a runnable component: inbound wire messages and control requests
// are handed off through a bounded queue to a single goroutine that owns
// the Core, so at most one thread ever touches the protocol engine's
// state.
package statetransfer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/myh1000/concord-bft/engine/common/fifoqueue"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/module/component"
	"github.com/myh1000/concord-bft/module/irrecoverable"
	"github.com/myh1000/concord-bft/module/metrics"
	"github.com/myh1000/concord-bft/module/statetransfer/core"
)

// Engine is the Component that runs a Core. Submit and the control
// methods (StartCollectingState, GetStatus, ...) are safe to call from
// any goroutine; Core itself is only ever touched from the engine's own
// worker.
type Engine struct {
	log   zerolog.Logger
	core  *core.Core
	queue *fifoqueue.FifoQueue

	notify  chan struct{}
	control chan func(*core.Core)

	refreshInterval time.Duration
	metrics         metrics.Collector

	cm *component.Manager
}

// New constructs an Engine around an already-built Core. Call Init
// before Start to recover durable state.
func New(log zerolog.Logger, c *core.Core, collector metrics.Collector, refreshInterval time.Duration, queueCapacity int) (*Engine, error) {
	queue, err := fifoqueue.NewFifoQueue(
		fifoqueue.WithCapacity(queueCapacity),
		fifoqueue.WithLengthObserver(collector.QueueLength),
	)
	if err != nil {
		return nil, fmt.Errorf("could not build handoff queue: %w", err)
	}

	e := &Engine{
		log:             log.With().Str("component", "statetransfer_engine").Logger(),
		core:            c,
		queue:           queue,
		notify:          make(chan struct{}, 1),
		control:         make(chan func(*core.Core), 1),
		refreshInterval: refreshInterval,
		metrics:         collector,
	}
	e.cm = component.NewBuilder().
		AddWorker(e.processLoop).
		AddWorker(e.timerLoop).
		Build()
	return e, nil
}

func (e *Engine) Start(ctx irrecoverable.SignalerContext) { e.cm.Start(ctx) }
func (e *Engine) Ready() <-chan struct{}                  { return e.cm.Ready() }
func (e *Engine) Done() <-chan struct{}                   { return e.cm.Done() }

// Submit hands an inbound wire message to the engine for asynchronous
// processing. It never blocks on Core; a full queue drops the message
// and records it as such rather than applying back-pressure to the
// transport's receive loop.
func (e *Engine) Submit(msg messages.Message) {
	if !e.queue.Push(msg) {
		e.metrics.MessageDropped("queue_full")
		return
	}
	e.wake()
}

// Init recovers durable state before the engine starts running. Must be
// called before Start.
func (e *Engine) Init() error {
	return e.core.Init()
}

// StartCollectingState asks the engine to begin a fetching session,
// blocking until the request has been applied on the engine's own
// goroutine.
func (e *Engine) StartCollectingState() error {
	return e.do(func(c *core.Core) error { return c.StartCollectingState() })
}

// GetStatus returns a point-in-time snapshot of the fetching session.
func (e *Engine) GetStatus() modelstatetransfer.Status {
	var status modelstatetransfer.Status
	_ = e.do(func(c *core.Core) error {
		status = c.GetStatus()
		return nil
	})
	return status
}

// SetEraseMetadataFlag durably records the erase-metadata flag; see
// core.Core.SetEraseMetadataFlag (the store is not wiped).
func (e *Engine) SetEraseMetadataFlag() error {
	return e.do(func(c *core.Core) error { return c.SetEraseMetadataFlag() })
}

// AddOnTransferringCompleteCallback registers a callback invoked with
// the target checkpoint number whenever a fetching session completes.
func (e *Engine) AddOnTransferringCompleteCallback(cb core.CompletionCallback) error {
	return e.do(func(c *core.Core) error {
		c.AddOnTransferringCompleteCallback(cb)
		return nil
	})
}

func (e *Engine) do(fn func(*core.Core) error) error {
	done := make(chan error, 1)
	e.control <- func(c *core.Core) { done <- fn(c) }
	e.wake()
	return <-done
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) processLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	e.core.StartRunning()
	ready()
	defer e.core.StopRunning()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.control:
			fn(e.core)
		case <-e.notify:
			e.drainQueue(ctx)
		}
	}
}

func (e *Engine) drainQueue(ctx irrecoverable.SignalerContext) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.control:
			fn(e.core)
			continue
		default:
		}

		v, ok := e.queue.Pop()
		if !ok {
			return
		}
		msg, ok := v.(messages.Message)
		if !ok {
			e.log.Error().Msg("handoff queue held a non-message value, dropping")
			continue
		}
		e.core.HandleStateTransferMessage(msg)
	}
}

func (e *Engine) timerLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()
	ready()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case e.control <- func(c *core.Core) { c.OnTimer() }:
				e.wake()
			case <-ctx.Done():
				return
			}
		}
	}
}
