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

// Package store persists results as a directory tree of Zarr v3 groups and arrays with zstd compressed chunks.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Target uncompressed size of one chunk
const chunkBytes = 1 << 20

// A result store rooted at a directory
type Store struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Zarr v3 group metadata (zarr.json)
type groupMeta struct {
	ZarrFormat int                    `json:"zarr_format"`
	NodeType   string                 `json:"node_type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Zarr v3 array metadata (zarr.json)
type arrayMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Shape      []int  `json:"shape"`
	DataType   string `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []codec     `json:"codecs"`
}

type codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration"`
}

// Opens the store at the given directory, creating it if needed
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	s := &Store{root: root, encoder: encoder, decoder: decoder}
	if _, err := os.Stat(filepath.Join(root, "zarr.json")); os.IsNotExist(err) {
		if err := writeJSON(filepath.Join(root, "zarr.json"), &groupMeta{ZarrFormat: 3, NodeType: "group"}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Releases the compression resources
func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}

// Root directory of the store
func (s *Store) Root() string { return s.root }

// Checks a node name. Names are single path elements
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.New(fmt.Sprintf("invalid store node name %q", name))
	}
	return nil
}

// Returns the named group, creating it if needed
func (s *Store) Group(name string) (*Group, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	g := &Group{store: s, path: filepath.Join(s.root, name)}
	metaPath := filepath.Join(g.path, "zarr.json")
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		if err := os.MkdirAll(g.path, 0755); err != nil {
			return nil, fmt.Errorf("creating group %s: %w", name, err)
		}
		if err := writeJSON(metaPath, &groupMeta{ZarrFormat: 3, NodeType: "group"}); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Checks whether the named group exists
func (s *Store) HasGroup(name string) bool {
	if checkName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, name, "zarr.json"))
	return err == nil
}

// Removes the named group with all its arrays. Removing a missing group is not an error
func (s *Store) RemoveGroup(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, name))
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
