// Copyright (C) 2021 - 2025 PurpleSec Team
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.
//

package alternator

import (
	"context"

	"golang.org/x/time/rate"
)

const maxInFlight = 5

// requestGate is C2's cooperative rate limiter (§4.2): at most 5 in-flight
// requests, and a minimum 200ms spacing between request starts. The
// spacing is a golang.org/x/time/rate.Limiter ("single-lane gate"); the
// concurrency cap is a buffered channel semaphore. Both are acquired by
// 'acquire' before a request is sent and released by the returned func.
type requestGate struct {
	_     [0]func()
	pace  *rate.Limiter
	slots chan struct{}
}

func newRequestGate() *requestGate {
	return &requestGate{
		pace:  rate.NewLimiter(rate.Every(spacingInterval), 1),
		slots: make(chan struct{}, maxInFlight),
	}
}

// acquire blocks until both the spacing limiter and a concurrency slot
// allow a new request to start, returning a release func to call when the
// request completes.
func (g *requestGate) acquire(x context.Context) (func(), error) {
	select {
	case g.slots <- struct{}{}:
	case <-x.Done():
		return nil, x.Err()
	}
	if err := g.pace.Wait(x); err != nil {
		<-g.slots
		return nil, err
	}
	return func() { <-g.slots }, nil
}
