package bridge

import (
	"context"
	"errors"
	"time"
)

// tooBusyError signals queue overflow or a wait that exceeded MaxWait.
type tooBusyError struct{}

func (tooBusyError) Error() string { return "too busy: generation queue full" }

// IsTooBusy reports whether err indicates backpressure.
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// admit reserves a queue slot and then the single in-flight slot. The
// returned release must be called when the generation ends.
func (b *Bridge) admit(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer := time.NewTimer(b.cfg.MaxWait)
	defer timer.Stop()
	select {
	case b.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-b.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	select {
	case b.genCh <- struct{}{}:
		acquired = true
		return func() { <-b.genCh; <-b.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{}
	}
}
