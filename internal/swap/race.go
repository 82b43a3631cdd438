package swap

import (
	"context"
	"sync"

	"github.com/mbd888/swapd/internal/timelock"
)

// raceExpiry runs progress against the cancel timelock on a shared child
// context. It reports expired when the timelock resolves first. The loser is
// cancelled and both legs have returned before raceExpiry does, so a step
// never has effects still in flight after its transition is chosen.
//
// An error from either leg ends the race with that error.
func raceExpiry[T any](ctx context.Context, oracle TimelockOracle, p timelock.Params, progress func(context.Context) (T, error)) (T, bool, error) {
	type outcome struct {
		v   T
		err error
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	progressCh := make(chan outcome, 1)
	expiryCh := make(chan error, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		v, err := progress(ctx)
		progressCh <- outcome{v: v, err: err}
	}()
	go func() {
		defer wg.Done()
		expiryCh <- oracle.AwaitCancelReady(ctx, p)
	}()

	var zero T
	select {
	case o := <-progressCh:
		if o.err != nil {
			return zero, false, o.err
		}
		return o.v, false, nil
	case err := <-expiryCh:
		if err != nil {
			return zero, false, err
		}
		return zero, true, nil
	}
}
