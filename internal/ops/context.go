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

// Package ops provides the execution context and bounded parallel execution of per-tile work.
package ops

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// An execution context for pipeline stages
type Context struct {
	Log            io.Writer
	MemoryMB       int // memory.TotalMemory()/1024/1024
	SolverMemoryMB int // MemoryMB*7/10
	MaxThreads     int `json:"maxThreads"`

	ExportDir  string // directory for diagnostic images, empty for none
	ExportTIFF bool   // write coefficient and score max projections as 16-bit TIFF
	ExportJPG  bool   // write spot overlays as JPEG
}

// Creates a context from the physical memory and logical cores of this machine
func NewContext(log io.Writer) *Context {
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	threads := cpuid.CPU.LogicalCores
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return &Context{
		Log:            log,
		MemoryMB:       memoryMB,
		SolverMemoryMB: memoryMB * 7 / 10,
		MaxThreads:     threads,
	}
}

// Overrides the memory budget in MB. Non-positive values keep the current budget
func (c *Context) SetMemoryMB(mb int) {
	if mb > 0 {
		c.MemoryMB = mb
		c.SolverMemoryMB = mb * 7 / 10
	}
}

// Overrides the thread limit. Non-positive values keep the current limit
func (c *Context) SetMaxThreads(threads int) {
	if threads > 0 {
		c.MaxThreads = threads
	}
}

// Memory in MB available to each of the parallel workers
func (c *Context) MemoryPerThreadMB() int {
	threads := c.MaxThreads
	if threads < 1 {
		threads = 1
	}
	mb := c.SolverMemoryMB / threads
	if mb < 1 {
		mb = 1
	}
	return mb
}

// Logs the CPU, memory and thread settings
func (c *Context) LogResources() {
	avx2 := ""
	if cpuid.CPU.AVX2() {
		avx2 = " with AVX2"
	}
	fmt.Fprintf(c.Log, "CPU %s, %d physical and %d logical cores%s. Physical memory is %d MB, solver limit %d MB, using %d threads.\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, avx2, c.MemoryMB, c.SolverMemoryMB, c.MaxThreads)
}
