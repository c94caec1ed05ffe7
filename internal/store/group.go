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

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// A group of arrays with attributes
type Group struct {
	store *Store
	path  string
}

// Sets the group attributes, replacing previous ones
func (g *Group) SetAttrs(attrs map[string]interface{}) error {
	return writeJSON(filepath.Join(g.path, "zarr.json"), &groupMeta{ZarrFormat: 3, NodeType: "group", Attributes: attrs})
}

// Returns the group attributes
func (g *Group) Attrs() (map[string]interface{}, error) {
	var meta groupMeta
	if err := readJSON(filepath.Join(g.path, "zarr.json"), &meta); err != nil {
		return nil, err
	}
	if meta.Attributes == nil {
		meta.Attributes = map[string]interface{}{}
	}
	return meta.Attributes, nil
}

// Returns a string attribute, or the empty string if missing or of another type
func (g *Group) StringAttr(key string) string {
	attrs, err := g.Attrs()
	if err != nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return s
}

// Checks whether the named array exists and is complete
func (g *Group) Exists(name string) bool {
	if checkName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(g.path, name, "zarr.json"))
	return err == nil
}

// Removes the named array. Removing a missing array is not an error
func (g *Group) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(g.path, name))
}

// Writes a float32 array of the given shape
func (g *Group) WriteFloat32(name string, shape []int, data []float32) error {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return g.writeArray(name, "float32", 4, shape, len(data), raw)
}

// Reads a float32 array and its shape
func (g *Group) ReadFloat32(name string) ([]float32, []int, error) {
	raw, shape, err := g.readArray(name, "float32", 4)
	if err != nil {
		return nil, nil, err
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return data, shape, nil
}

// Writes a float64 array of the given shape
func (g *Group) WriteFloat64(name string, shape []int, data []float64) error {
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	return g.writeArray(name, "float64", 8, shape, len(data), raw)
}

// Reads a float64 array and its shape
func (g *Group) ReadFloat64(name string) ([]float64, []int, error) {
	raw, shape, err := g.readArray(name, "float64", 8)
	if err != nil {
		return nil, nil, err
	}
	data := make([]float64, len(raw)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return data, shape, nil
}

// Writes an int16 array of the given shape
func (g *Group) WriteInt16(name string, shape []int, data []int16) error {
	raw := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(v))
	}
	return g.writeArray(name, "int16", 2, shape, len(data), raw)
}

// Reads an int16 array and its shape
func (g *Group) ReadInt16(name string) ([]int16, []int, error) {
	raw, shape, err := g.readArray(name, "int16", 2)
	if err != nil {
		return nil, nil, err
	}
	data := make([]int16, len(raw)/2)
	for i := range data {
		data[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return data, shape, nil
}

// Writes an int32 array of the given shape
func (g *Group) WriteInt32(name string, shape []int, data []int32) error {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], uint32(v))
	}
	return g.writeArray(name, "int32", 4, shape, len(data), raw)
}

// Reads an int32 array and its shape
func (g *Group) ReadInt32(name string) ([]int32, []int, error) {
	raw, shape, err := g.readArray(name, "int32", 4)
	if err != nil {
		return nil, nil, err
	}
	data := make([]int32, len(raw)/4)
	for i := range data {
		data[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return data, shape, nil
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

// Writes raw little endian element data as an array chunked along its first axis. Any previous array of the
// same name is replaced. The metadata is written last, so an array without zarr.json is incomplete
func (g *Group) writeArray(name, dtype string, elemSize int, shape []int, n int, raw []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if len(shape) == 0 {
		return errors.New(fmt.Sprintf("array %s needs at least one dimension", name))
	}
	for _, s := range shape {
		if s < 0 {
			return errors.New(fmt.Sprintf("array %s has negative dimension in shape %v", name, shape))
		}
	}
	if product(shape) != n {
		return errors.New(fmt.Sprintf("array %s shape %v does not match %d values", name, shape, n))
	}

	arrayPath := filepath.Join(g.path, name)
	if err := os.RemoveAll(arrayPath); err != nil {
		return fmt.Errorf("removing old array %s: %w", name, err)
	}

	rowElems := product(shape[1:])
	rowsPerChunk := 1
	if rowElems > 0 && rowElems*elemSize < chunkBytes {
		rowsPerChunk = chunkBytes / (rowElems * elemSize)
	}
	if rowsPerChunk > shape[0] && shape[0] > 0 {
		rowsPerChunk = shape[0]
	}

	trailing := strings.Repeat("/0", len(shape)-1)
	chunkRowBytes := rowElems * elemSize
	for c, row := 0, 0; row < shape[0]; c, row = c+1, row+rowsPerChunk {
		end := row + rowsPerChunk
		if end > shape[0] {
			end = shape[0]
		}
		chunkPath := filepath.Join(arrayPath, "c", strconv.Itoa(c)+filepath.FromSlash(trailing))
		if err := os.MkdirAll(filepath.Dir(chunkPath), 0755); err != nil {
			return fmt.Errorf("creating chunk directory of %s: %w", name, err)
		}
		compressed := g.store.encoder.EncodeAll(raw[row*chunkRowBytes:end*chunkRowBytes], nil)
		if err := os.WriteFile(chunkPath, compressed, 0644); err != nil {
			return fmt.Errorf("writing chunk %d of %s: %w", c, name, err)
		}
	}

	meta := arrayMeta{ZarrFormat: 3, NodeType: "array", Shape: shape, DataType: dtype, FillValue: 0}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = append([]int{rowsPerChunk}, shape[1:]...)
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	meta.Codecs = []codec{
		{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}},
		{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}},
	}
	if err := os.MkdirAll(arrayPath, 0755); err != nil {
		return fmt.Errorf("creating array %s: %w", name, err)
	}
	return writeJSON(filepath.Join(arrayPath, "zarr.json"), &meta)
}

// Reads the raw little endian element data of an array. Missing chunks read as zeros
func (g *Group) readArray(name, dtype string, elemSize int) ([]byte, []int, error) {
	if err := checkName(name); err != nil {
		return nil, nil, err
	}
	arrayPath := filepath.Join(g.path, name)
	var meta arrayMeta
	if err := readJSON(filepath.Join(arrayPath, "zarr.json"), &meta); err != nil {
		return nil, nil, fmt.Errorf("reading array %s: %w", name, err)
	}
	if meta.NodeType != "array" || meta.DataType != dtype {
		return nil, nil, errors.New(fmt.Sprintf("array %s has type %s %s, expected array %s", name, meta.NodeType, meta.DataType, dtype))
	}
	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	if len(meta.Shape) == 0 || len(chunkShape) != len(meta.Shape) || chunkShape[0] <= 0 {
		return nil, nil, errors.New(fmt.Sprintf("invalid zarr metadata for array %s: shape %v chunk shape %v", name, meta.Shape, chunkShape))
	}
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}

	rowBytes := product(meta.Shape[1:]) * elemSize
	raw := make([]byte, product(meta.Shape)*elemSize)
	rowsPerChunk := chunkShape[0]
	for c, row := 0, 0; row < meta.Shape[0]; c, row = c+1, row+rowsPerChunk {
		end := row + rowsPerChunk
		if end > meta.Shape[0] {
			end = meta.Shape[0]
		}
		key := strconv.Itoa(c) + strings.Repeat(sep+"0", len(meta.Shape)-1)
		compressed, err := os.ReadFile(filepath.Join(arrayPath, "c", filepath.FromSlash(key)))
		if os.IsNotExist(err) {
			continue // fill value
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading chunk %d of %s: %w", c, name, err)
		}
		chunk, err := g.store.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd decompress of chunk %d of %s failed: %w", c, name, err)
		}
		if len(chunk) != (end-row)*rowBytes {
			return nil, nil, errors.New(fmt.Sprintf("chunk %d of %s has %d bytes, expected %d", c, name, len(chunk), (end-row)*rowBytes))
		}
		copy(raw[row*rowBytes:], chunk)
	}
	return raw, meta.Shape, nil
}
