// Package util holds small concurrency helpers shared by the engine and
// its component wiring.
package util

// WaitError blocks until either errCh yields an error or doneCh closes,
// whichever happens first. It returns nil if doneCh closed first.
func WaitError(errCh <-chan error, doneCh <-chan struct{}) error {
	select {
	case err := <-errCh:
		return err
	case <-doneCh:
		return nil
	}
}

// AllReady returns a channel that closes once every one of the given
// channels has closed.
func AllReady(channels ...<-chan struct{}) <-chan struct{} {
	return allClosed(channels)
}

// AllDone returns a channel that closes once every one of the given
// channels has closed.
func AllDone(channels ...<-chan struct{}) <-chan struct{} {
	return allClosed(channels)
}

func allClosed(channels []<-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for _, ch := range channels {
			<-ch
		}
	}()
	return out
}
