// Package irrecoverable provides a narrow drop-in replacement for
// panic/log.Fatal for code paths reachable from a component's worker
// goroutines: throwing delivers the error to whoever started the
// component instead of crashing the process outright.
package irrecoverable

import (
	"context"
	"runtime"
)

// Signaler delivers a thrown error onto its channel and then parks the
// throwing goroutine for good via runtime.Goexit.
type Signaler struct {
	errors chan<- error
}

// Throw sends err on the signaler's channel and terminates the calling
// goroutine. It must only be called once per Signaler.
func (s *Signaler) Throw(err error) {
	s.errors <- err
	runtime.Goexit()
}

// SignalerContext is a context.Context that can also Throw an
// irrecoverable error. The unexported sealed method constrains
// construction to WithSignaler.
type SignalerContext interface {
	context.Context
	Throw(err error)
	sealed()
}

type signalerContext struct {
	context.Context
	signaler *Signaler
}

func (signalerContext) sealed() {}

func (sc signalerContext) Throw(err error) {
	sc.signaler.Throw(err)
}

// WithSignaler derives a SignalerContext from ctx, returning the
// unbuffered channel on which a thrown error will arrive. The caller
// must keep receiving from this channel for as long as the signaler
// context it returned is in use, or a Throw will block forever.
func WithSignaler(ctx context.Context) (SignalerContext, <-chan error) {
	errors := make(chan error)
	return signalerContext{Context: ctx, signaler: &Signaler{errors: errors}}, errors
}
