// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ops

import (
	"errors"
)

// A promise for a result. Returns the materialized result, or an error
type Promise[T any] func() (T, error)

// Materializes all promises with given concurrency limit. Results are returned in input order.
// Errors of all failed promises are joined into one, which matches each of them with errors.Is
func MaterializeAll[T any](ins []Promise[T], maxThreads int, forget bool) (outs []T, err error) {
	if len(ins) == 0 {
		return nil, nil
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	if !forget {
		outs = make([]T, len(ins))
	}
	limiter := make(chan bool, maxThreads)
	errs := make(chan error, len(ins))
	for i, in := range ins {
		limiter <- true
		go func(i int, theIn Promise[T]) {
			defer func() { <-limiter }()
			f, err := theIn() // materialize the promise
			if err != nil {
				errs <- err
				return
			}
			if !forget {
				outs[i] = f
			}
			errs <- nil
		}(i, in)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	var failed []error
	for i := 0; i < len(ins); i++ { // collect errors
		if e := <-errs; e != nil {
			failed = append(failed, e)
		}
	}
	if len(failed) == 1 {
		return outs, failed[0]
	}
	return outs, errors.Join(failed...)
}
