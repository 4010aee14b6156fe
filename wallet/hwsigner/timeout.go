// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwsigner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds device requests that need no user interaction.
const DefaultTimeout = 5 * time.Second

type exchangesKey struct{}

// withExchanges returns a context whose WithTimeout calls register their
// device call in exchanges.
func withExchanges(ctx context.Context,
	exchanges *sync.WaitGroup) context.Context {

	return context.WithValue(ctx, exchangesKey{}, exchanges)
}

// WithTimeout runs op and gives up after d. The context handed to op is
// canceled on return so a late result is discarded. A timeout is reported
// as ErrTimeout while cancellation of parent is reported as is.
//
// Inside SessionManager.Do an abandoned op stays registered with its
// session until it returns, and closing the session waits for it.
func WithTimeout[T any](parent context.Context, d time.Duration,
	op func(context.Context) (T, error)) (T, error) {

	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	exchanges, _ := parent.Value(exchangesKey{}).(*sync.WaitGroup)
	if exchanges != nil {
		exchanges.Add(1)
	}

	done := make(chan result, 1)
	go func() {
		if exchanges != nil {
			defer exchanges.Done()
		}

		value, err := op(ctx)
		done <- result{value: value, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return zero, timeoutErr(parent, d)
		}

		return res.value, res.err

	case <-ctx.Done():
		return zero, timeoutErr(parent, d)
	}
}

// timeoutErr returns the error of an expired WithTimeout context.
func timeoutErr(parent context.Context, d time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}

	return fmt.Errorf("%w after %v", ErrTimeout, d)
}
