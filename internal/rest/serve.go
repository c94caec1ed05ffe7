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

// Package rest serves calibration, gene calling and stored spots over HTTP. Long running stages stream their log
// as plain text, flushed line by line.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/ops"
	"github.com/mlnoga/genelight/internal/pipeline"
	"github.com/mlnoga/genelight/internal/store"
	"github.com/mlnoga/genelight/web"
)

// Shared state of the server. Only one calibration or gene calling job runs at a time
type Server struct {
	Config     *config.Config
	DataDir    string
	Store      *store.Store
	NewContext func(log io.Writer) *ops.Context

	jobs sync.Mutex
}

// Creates the router with all routes
func NewRouter(s *Server) *gin.Engine {
	if s.NewContext == nil {
		s.NewContext = ops.NewContext
	}
	r := gin.Default()
	r.GET("/", getIndex)
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/config", s.getConfig)
			v1.POST("/calibrate", s.postCalibrate)
			v1.POST("/omp", s.postOMP)
			v1.GET("/spots", s.getSpots)
		}
	}
	return r
}

// Listens and serves on the given address, e.g. ":8080"
func Serve(s *Server, addr string) error {
	return NewRouter(s).Run(addr)
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.Config)
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func isPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false // relative paths only
	}
	if strings.Contains(p, "..") {
		return false // no going outside the tree
	}
	return true
}

// A response writer safe for concurrent log lines of parallel tiles, flushing after each write
type flushWriter struct {
	mu sync.Mutex
	w  gin.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.w.Write(p)
	f.w.Flush()
	return n, err
}

// Starts a streamed plain text response and prints the arguments
func startLog(c *gin.Context, args interface{}) io.Writer {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/plain")
	c.Writer.WriteHeader(http.StatusOK)
	w := &flushWriter{w: c.Writer}
	if m, err := json.MarshalIndent(args, "", "  "); err == nil {
		fmt.Fprintf(w, "Arguments:\n%s\n", string(m))
	}
	return w
}

type postCalibrateArgs struct {
	ReferenceSpots string `json:"referenceSpots"`
	CodeBook       string `json:"codeBook"`
	BleedMatrix    string `json:"bleedMatrix"`
}

func (s *Server) postCalibrate(c *gin.Context) {
	var args postCalibrateArgs
	if err := c.ShouldBindJSON(&args); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg := *s.Config
	for _, p := range []struct {
		arg string
		dst *string
	}{{args.ReferenceSpots, &cfg.Basic.ReferenceSpots}, {args.CodeBook, &cfg.Basic.CodeBook},
		{args.BleedMatrix, &cfg.Basic.InitialBleedMatrix}} {
		if p.arg == "" {
			continue
		}
		if !isPathAllowed(p.arg) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("path %s outside current directory tree", p.arg)})
			return
		}
		*p.dst = p.arg
	}
	if !s.jobs.TryLock() {
		c.JSON(http.StatusConflict, gin.H{"error": "another job is running"})
		return
	}
	defer s.jobs.Unlock()

	logWriter := startLog(c, args)
	ctx := s.NewContext(logWriter)
	res, err := pipeline.CalibrateFromFiles(ctx, &cfg, s.DataDir, s.Store)
	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		return
	}
	fmt.Fprintf(logWriter, "Calibrated %d genes on %d tiles\n", res.Genes, res.Tiles)
}

type postOMPArgs struct {
	Tiles      []int  `json:"tiles"`
	ExportDir  string `json:"exportDir"`
	ExportTIFF bool   `json:"exportTIFF"`
	ExportJPG  bool   `json:"exportJPG"`
}

func (s *Server) postOMP(c *gin.Context) {
	var args postOMPArgs
	if err := c.ShouldBindJSON(&args); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.ExportDir != "" && !isPathAllowed(args.ExportDir) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("path %s outside current directory tree", args.ExportDir)})
		return
	}
	cfg := *s.Config
	if len(args.Tiles) > 0 {
		cfg.Basic.UseTiles = args.Tiles
	}
	if !s.jobs.TryLock() {
		c.JSON(http.StatusConflict, gin.H{"error": "another job is running"})
		return
	}
	defer s.jobs.Unlock()

	logWriter := startLog(c, args)
	ctx := s.NewContext(logWriter)
	ctx.ExportDir, ctx.ExportTIFF, ctx.ExportJPG = args.ExportDir, args.ExportTIFF, args.ExportJPG
	res, err := pipeline.CallGenesFromFiles(c.Request.Context(), ctx, &cfg, s.DataDir, s.Store)
	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		return
	}
	pipeline.LogGeneCounts(ctx, res, pipeline.LoadGeneNames(s.Store))
}

// Stored spots of one tile, optionally of one gene only
func (s *Server) getSpots(c *gin.Context) {
	tile, err := strconv.Atoi(c.Query("tile"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tile must be an integer"})
		return
	}
	gene := -1
	if g := c.Query("gene"); g != "" {
		if gene, err = strconv.Atoi(g); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "gene must be an integer"})
			return
		}
	}
	spots, err := pipeline.LoadTileSpots(s.Store, tile)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if gene >= 0 {
		kept := spots[:0]
		for _, sp := range spots {
			if sp.Gene == gene {
				kept = append(kept, sp)
			}
		}
		spots = kept
	}
	c.JSON(http.StatusOK, gin.H{"tile": tile, "spots": spots})
}
