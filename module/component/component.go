// Package component provides the ComponentManager: a lifecycle wrapper
// that runs a set of worker goroutines, closes a Ready channel once they
// have all signaled readiness, closes a Done channel once they have all
// exited, and escalates any irrecoverable error thrown by a worker to
// whoever started the component.
package component

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/myh1000/concord-bft/module/irrecoverable"
	"github.com/myh1000/concord-bft/module/util"
)

// ErrComponentShutdown is returned by a component that has already shut down.
var ErrComponentShutdown = fmt.Errorf("component has already shut down")

// ErrMultipleStartup is returned (via panic) when Start is called more
// than once on the same ComponentManager.
var ErrMultipleStartup = fmt.Errorf("component may only be started once")

// Component can be started and reports readiness/completion.
type Component interface {
	Start(irrecoverable.SignalerContext)
	Ready() <-chan struct{}
	Done() <-chan struct{}
}

// ReadyFunc is called by a worker to signal it is ready. Calling it more
// than once has no additional effect.
type ReadyFunc func()

// Worker is one worker routine managed by a ComponentManager. It must
// call ready() once it has finished any setup, and must return (not
// block forever) when ctx is canceled.
type Worker func(ctx irrecoverable.SignalerContext, ready ReadyFunc)

// Builder assembles a ComponentManager from a set of workers.
type Builder struct {
	workers []Worker
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddWorker registers a worker to run when the ComponentManager starts.
// Not concurrency-safe; call only while constructing a single Builder.
func (b *Builder) AddWorker(w Worker) *Builder {
	b.workers = append(b.workers, w)
	return b
}

// Build returns a new ComponentManager running the registered workers.
func (b *Builder) Build() *Manager {
	return &Manager{
		started:        atomic.NewBool(false),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		workersDone:    make(chan struct{}),
		shutdownSignal: make(chan struct{}),
		workers:        b.workers,
	}
}

var _ Component = (*Manager)(nil)

// Manager runs a fixed set of worker goroutines sharing one
// irrecoverable.SignalerContext, derived from whatever context Start is
// given. Ready/Done are safe to call immediately after construction.
type Manager struct {
	started        *atomic.Bool
	ready          chan struct{}
	done           chan struct{}
	workersDone    chan struct{}
	shutdownSignal chan struct{}

	workers []Worker
}

// Start launches every registered worker. It must only be called once;
// a second call panics.
func (m *Manager) Start(parent irrecoverable.SignalerContext) {
	if !m.started.CAS(false, true) {
		panic(ErrMultipleStartup)
	}

	ctx, cancel := context.WithCancel(parent)
	signalerCtx, errChan := irrecoverable.WithSignaler(ctx)

	go m.waitForShutdownSignal(ctx.Done())

	go func() {
		defer func() {
			<-m.workersDone
			close(m.done)
		}()
		if err := util.WaitError(errChan, m.workersDone); err != nil {
			cancel()
			parent.Throw(err)
		}
	}()

	var workersReady sync.WaitGroup
	var workersDone sync.WaitGroup
	workersReady.Add(len(m.workers))
	workersDone.Add(len(m.workers))

	for _, worker := range m.workers {
		worker := worker
		go func() {
			defer workersDone.Done()
			var readyOnce sync.Once
			worker(signalerCtx, func() {
				readyOnce.Do(workersReady.Done)
			})
		}()
	}

	go func() {
		workersReady.Wait()
		close(m.ready)
	}()
	go func() {
		workersDone.Wait()
		close(m.workersDone)
	}()
}

func (m *Manager) waitForShutdownSignal(shutdownSignal <-chan struct{}) {
	<-shutdownSignal
	close(m.shutdownSignal)
}

// Ready closes once every worker has signaled readiness.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Done closes once every worker has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// ShutdownSignal closes once shutdown has commenced, either from context
// cancellation or a worker's irrecoverable error. The channel exists from
// Build onward and does not close before Start.
func (m *Manager) ShutdownSignal() <-chan struct{} { return m.shutdownSignal }
