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
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
)

func TestMaterializeAll(t *testing.T) {
	var running, peak int32
	ins := make([]Promise[int], 20)
	for i := range ins {
		i := i
		ins[i] = func() (int, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			defer atomic.AddInt32(&running, -1)
			return i * i, nil
		}
	}
	outs, err := MaterializeAll(ins, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	for i, o := range outs {
		if o != i*i {
			t.Errorf("result %d got %d expect %d", i, o, i*i)
		}
	}
	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds limit 3", peak)
	}
}

func TestMaterializeAllErrors(t *testing.T) {
	ins := []Promise[string]{
		func() (string, error) { return "a", nil },
		func() (string, error) { return "", errors.New("tile 1 failed") },
		func() (string, error) { return "", errors.New("tile 2 failed") },
	}
	outs, err := MaterializeAll(ins, 2, false)
	if err == nil || !strings.Contains(err.Error(), "tile 1 failed") || !strings.Contains(err.Error(), "tile 2 failed") {
		t.Errorf("expected joined errors, got %v", err)
	}
	if outs[0] != "a" || outs[1] != "" {
		t.Errorf("got %v", outs)
	}

	canceled := []Promise[int]{
		func() (int, error) { return 0, fmt.Errorf("tile 0: %w", context.Canceled) },
		func() (int, error) { return 0, context.Canceled },
		func() (int, error) { return 0, errors.New("tile 2 failed") },
	}
	if _, err := MaterializeAll(canceled, 3, true); !errors.Is(err, context.Canceled) {
		t.Errorf("joined error %v does not match context.Canceled", err)
	}

	outs, err = MaterializeAll(ins[:1], 1, true)
	if err != nil || outs != nil {
		t.Errorf("forget got %v %v", outs, err)
	}
}

func TestContext(t *testing.T) {
	var log bytes.Buffer
	c := NewContext(&log)
	if c.MaxThreads < 1 {
		t.Errorf("max threads %d", c.MaxThreads)
	}
	c.SetMemoryMB(1000)
	c.SetMaxThreads(7)
	c.SetMaxThreads(0)
	if c.SolverMemoryMB != 700 || c.MaxThreads != 7 || c.MemoryPerThreadMB() != 100 {
		t.Errorf("got %+v", c)
	}
	c.LogResources()
	if !strings.Contains(log.String(), "700 MB") {
		t.Errorf("unexpected log %q", log.String())
	}
}
