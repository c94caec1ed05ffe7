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

package fits

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Writes an in-memory FITS image to a file with given filename.
// Creates/overwrites the file if necessary
func (fits *Image) WriteFile(fileName string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := fits.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// Writes an in-memory FITS image to an io.Writer as 32-bit floating point.
func (fits *Image) Write(w io.Writer) error {
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	writeInt32(&sb, "BITPIX", -32, "32-bit floating point")
	writeInt32(&sb, "NAXIS", int32(len(fits.Naxisn)), "[1] Number of axis")
	for i := 0; i < len(fits.Naxisn); i++ {
		writeInt32(&sb, fmt.Sprintf("NAXIS%d", i+1), fits.Naxisn[i], "[1] Axis size")
	}
	writeFloat32(&sb, "BZERO", fits.Bzero, "[1] Zero offset")
	for k, v := range fits.Header.Strings {
		writeString(&sb, k, v, "")
	}
	writeEnd(&sb)
	padBlock(&sb, ' ')

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if err := writeFloat32Array(w, fits.Data, true); err != nil {
		return err
	}

	// pad data unit with zeros
	if rest := (len(fits.Data) * 4) % fitsBlockSize; rest > 0 {
		if _, err := w.Write(make([]byte, fitsBlockSize-rest)); err != nil {
			return err
		}
	}
	return nil
}

func padBlock(sb *strings.Builder, r rune) {
	if bytesInHeaderBlock := sb.Len() % fitsBlockSize; bytesInHeaderBlock > 0 {
		sb.WriteString(strings.Repeat(string(r), fitsBlockSize-bytesInHeaderBlock))
	}
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	v := "F"
	if value {
		v = "T"
	}
	writeCard(w, key, fmt.Sprintf("%20s", v), comment)
}

// Writes a FITS header int32 value
func writeInt32(w io.Writer, key string, value int32, comment string) {
	writeCard(w, key, fmt.Sprintf("%20d", value), comment)
}

// Writes a FITS header float32 value. Always carries a decimal point so readers see a float
func writeFloat32(w io.Writer, key string, value float32, comment string) {
	writeCard(w, key, fmt.Sprintf("%20.7E", value), comment)
}

// Writes a FITS header string value. Long values are truncated.
func writeString(w io.Writer, key, value, comment string) {
	value = strings.ReplaceAll(value, "'", "")
	if len(value) > 68 {
		value = value[:68]
	}
	writeCard(w, key, fmt.Sprintf("'%-8s'", value), comment)
}

// Writes one 80 character header card
func writeCard(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	card := fmt.Sprintf("%-8s= %s", key, value)
	if comment != "" && len(card)+3 < HeaderLineSize {
		card += " / " + comment
	}
	if len(card) > HeaderLineSize {
		card = card[:HeaderLineSize]
	}
	fmt.Fprintf(w, "%-80s", card)
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", HeaderLineSize-3))
}

// Writes FITS binary body data in network byte order.
// Optionally replaces NaNs with zeros for compatibility with other software
func writeFloat32Array(w io.Writer, data []float32, replaceNaNs bool) error {
	buf := make([]byte, bufLen)

	for block := 0; block < len(data); block += (bufLen >> 2) {
		size := len(data) - block
		if size > (bufLen >> 2) {
			size = (bufLen >> 2)
		}

		for offset := 0; offset < size; offset++ {
			d := data[block+offset]
			if replaceNaNs && math.IsNaN(float64(d)) {
				d = 0
			}
			binary.BigEndian.PutUint32(buf[offset<<2:], math.Float32bits(d))
		}
		if _, err := w.Write(buf[:(size << 2)]); err != nil {
			return err
		}
	}
	return nil
}
