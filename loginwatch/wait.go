package loginwatch

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"
)

// ErrWaitTimeout is returned by WaitForLogin when MaxWait elapses first.
var ErrWaitTimeout = errors.New("loginwatch: timed out waiting for login")

// WaitOptions configures WaitForLogin.
type WaitOptions struct {
	Interval time.Duration // default 3s
	MaxWait  time.Duration // default 5m

	// OnStatus is called after every check, including the first.
	OnStatus func(loginstate.Status)
}

func (o *WaitOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 5 * time.Minute
	}
}

// WaitForLogin opens entryURL once, then re-probes the tab every Interval
// without navigating until the session is logged in. It returns the last
// status together with ErrWaitTimeout or the context error when it gives up.
func (r *Resolver) WaitForLogin(ctx context.Context, entryURL string, opts WaitOptions) (loginstate.Status, error) {
	opts.defaults()

	st, err := r.EnsureLoginStatus(ctx, entryURL)
	if err != nil {
		return st, err
	}
	notify(opts, st)
	if st.State == loginstate.StateLoggedIn {
		return st, nil
	}

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-deadline.C:
			return st, ErrWaitTimeout
		case <-ticker.C:
		}

		next, err := r.CheckCurrent(ctx)
		if err != nil {
			return st, err
		}
		st = next
		notify(opts, st)
		if st.State == loginstate.StateLoggedIn {
			return st, nil
		}
	}
}

func notify(opts WaitOptions, st loginstate.Status) {
	if opts.OnStatus != nil {
		opts.OnStatus(st)
	}
}
