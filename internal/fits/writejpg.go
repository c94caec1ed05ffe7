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
	"image/jpeg"
	"io"
	"os"
)

// Write a grayscale FITS image to JPG, using the given min, max and gamma.
func (f *Image) WriteMonoJPGToFile(fileName string, min, max, gamma float32, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := f.WriteMonoJPG(writer, min, max, gamma, quality); err != nil {
		return err
	}
	return writer.Flush()
}

// Write a grayscale FITS image to JPG, using the given min, max and gamma.
func (f *Image) WriteMonoJPG(writer io.Writer, min, max, gamma float32, quality int) error {
	return jpeg.Encode(writer, f.ToGray(min, max, gamma), &jpeg.Options{Quality: quality})
}
