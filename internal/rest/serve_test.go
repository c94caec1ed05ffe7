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

package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/ops"
	"github.com/mlnoga/genelight/internal/pipeline"
	"github.com/mlnoga/genelight/internal/store"
)

func testServer(t *testing.T) *Server {
	gin.SetMode(gin.TestMode)
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	return &Server{
		Config:  config.DefaultConfig(),
		DataDir: t.TempDir(),
		Store:   st,
		NewContext: func(log io.Writer) *ops.Context {
			return &ops.Context{Log: log, MemoryMB: 100, SolverMemoryMB: 70, MaxThreads: 1}
		},
	}
}

func do(r http.Handler, method, url, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, url, strings.NewReader(body))
	r.ServeHTTP(w, req)
	return w
}

func TestIsPathAllowed(t *testing.T) {
	tests := []struct {
		path    string
		allowed bool
	}{
		{"ref_spots.yaml", true},
		{"data/codebook.txt", true},
		{"/etc/passwd", false},
		{"../secret", false},
		{"data/../../secret", false},
	}
	for _, test := range tests {
		if got := isPathAllowed(test.path); got != test.allowed {
			t.Errorf("isPathAllowed(%q) got %v, expecting %v", test.path, got, test.allowed)
		}
	}
}

func TestPingAndIndex(t *testing.T) {
	r := NewRouter(testServer(t))
	w := do(r, "GET", "/api/v1/ping", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "pong") {
		t.Errorf("ping got %d %s", w.Code, w.Body.String())
	}
	w = do(r, "GET", "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<html") {
		t.Errorf("index got %d", w.Code)
	}
}

func TestGetConfig(t *testing.T) {
	r := NewRouter(testServer(t))
	w := do(r, "GET", "/api/v1/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("config got %d", w.Code)
	}
	var cfg config.Config
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.OMP.MaxGenes != config.DefaultConfig().OMP.MaxGenes || cfg.CallSpots.Kappa != 2 {
		t.Errorf("config got %+v", cfg)
	}
}

func TestGetSpots(t *testing.T) {
	s := testServer(t)
	spots := []pipeline.Spot{
		{Tile: 3, Y: 1, X: 2, Z: 0, Gene: 0, Score: 0.5, Colour: []float32{1, 0, 0, 1}},
		{Tile: 3, Y: 4, X: 5, Z: 1, Gene: 1, Score: 0.7, Colour: []float32{0, 1, 1, 0}},
		{Tile: 3, Y: 7, X: 8, Z: 1, Gene: 1, Score: 0.9, Colour: []float32{0, 1, 1, 0},
			Global: [3]int32{7, 40008, 1}, Coefficient: 2.5},
	}
	if err := pipeline.SaveTileSpots(s.Store, 3, spots, 2, 2, "test"); err != nil {
		t.Fatal(err)
	}
	r := NewRouter(s)

	w := do(r, "GET", "/api/v1/spots?tile=3&gene=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("spots got %d %s", w.Code, w.Body.String())
	}
	var res struct {
		Tile  int             `json:"tile"`
		Spots []pipeline.Spot `json:"spots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Tile != 3 || len(res.Spots) != 2 || res.Spots[1].X != 8 || res.Spots[1].Score != 0.9 ||
		res.Spots[1].Global[1] != 40008 || res.Spots[1].Coefficient != 2.5 {
		t.Errorf("spots got %+v", res)
	}

	if w := do(r, "GET", "/api/v1/spots?tile=3", ""); !bytes.Contains(w.Body.Bytes(), []byte(`"gene":0`)) {
		t.Errorf("unfiltered spots got %s", w.Body.String())
	}
	if w := do(r, "GET", "/api/v1/spots?tile=1", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing tile got %d", w.Code)
	}
	if w := do(r, "GET", "/api/v1/spots?tile=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid tile got %d", w.Code)
	}
}

func TestPostJobs(t *testing.T) {
	r := NewRouter(testServer(t))

	w := do(r, "POST", "/api/v1/calibrate", `{"codeBook": "../codebook.txt"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("calibrate outside tree got %d", w.Code)
	}
	w = do(r, "POST", "/api/v1/omp", `{"exportDir": "/tmp"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("omp export outside tree got %d", w.Code)
	}
	w = do(r, "POST", "/api/v1/omp", `{"tiles": "all"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("omp with invalid tiles got %d", w.Code)
	}

	// the data directory has no tile layout, so the stages fail after starting the log
	w = do(r, "POST", "/api/v1/calibrate", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Error: reading tile layout") {
		t.Errorf("calibrate got %d %s", w.Code, w.Body.String())
	}
	w = do(r, "POST", "/api/v1/omp", `{"tiles": [0]}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Error: ") || !strings.Contains(w.Body.String(), "Arguments:") {
		t.Errorf("omp got %d %s", w.Code, w.Body.String())
	}
}
