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

package internal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLogAlsoToFile(t *testing.T) {
	dir := t.TempDir()
	first, second := filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")
	if err := LogAlsoToFile(first); err != nil {
		t.Fatal(err)
	}
	LogPrintf("%d: Found %d spots\n", 3, 42)
	if err := LogAlsoToFile(second); err != nil {
		t.Fatal(err)
	}
	LogPrintln("done")
	LogSync()

	got, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3: Found 42 spots\n" {
		t.Errorf("first log got %q", got)
	}
	if got, _ = os.ReadFile(second); string(got) != "done\n" {
		t.Errorf("second log got %q", got)
	}
	if err := LogAlsoToFile(filepath.Join(dir, "missing", "c.log")); err == nil {
		t.Error("expected an error for a log file in a missing directory")
	}
	LogPrintln("stdout only")
}
