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

package calib

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// A code book lists each gene's name and the dye it carries in each round
type CodeBook struct {
	Names []string
	Codes [][]int // genes x rounds
}

// Reads a code book with one gene per line: the name, whitespace, then one dye digit per round, e.g. "Snap25 0123".
// Blank lines and lines starting with # are skipped. All codes must have the same number of rounds
func ReadCodeBook(r io.Reader) (*CodeBook, error) {
	cb := &CodeBook{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, errors.New(fmt.Sprintf("line %d: expected gene name and code, got %q", line, text))
		}
		code := make([]int, len(fields[1]))
		for i, ch := range fields[1] {
			if ch < '0' || ch > '9' {
				return nil, errors.New(fmt.Sprintf("line %d: invalid dye digit %q in code %s", line, ch, fields[1]))
			}
			code[i] = int(ch - '0')
		}
		if len(cb.Codes) > 0 && len(code) != len(cb.Codes[0]) {
			return nil, errors.New(fmt.Sprintf("line %d: code %s has %d rounds, expected %d", line, fields[1], len(code), len(cb.Codes[0])))
		}
		cb.Names = append(cb.Names, fields[0])
		cb.Codes = append(cb.Codes, code)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading code book: %w", err)
	}
	if len(cb.Codes) == 0 {
		return nil, errors.New("code book is empty")
	}
	return cb, nil
}

// Highest dye index used by any gene, plus one
func (cb *CodeBook) NumDyes() int {
	n := 0
	for _, code := range cb.Codes {
		for _, d := range code {
			if d+1 > n {
				n = d + 1
			}
		}
	}
	return n
}
