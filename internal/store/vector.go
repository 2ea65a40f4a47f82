// Package store holds the on-disk retrieval state: the vector index,
// the metadata list that parallels it, the indexed-ID set, the dirty
// flag, and the rebuild status record.
package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/membank-ai/membank/internal/errors"
)

// Index file format constants.
const (
	indexMagic   = "MBNK"
	indexVersion = 1
)

// Hit is one vector search result. Position is the insertion position,
// which equals the chunk's offset in the metadata list.
type Hit struct {
	Position uint64
	Distance float32
}

// VectorIndex is an append-only L2 index over fixed-dimension vectors.
// Vectors are keyed by insertion position so the metadata list at the
// same offset describes them.
type VectorIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dim   int
	count uint64
}

// NewVectorIndex creates an empty index for vectors of the given
// dimension.
func NewVectorIndex(dim int) *VectorIndex {
	return &VectorIndex{
		graph: newGraph(),
		dim:   dim,
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = 16
	g.Ml = 0.25
	g.Distance = hnsw.EuclideanDistance
	// High search breadth keeps small personal corpora effectively exact.
	g.EfSearch = 64
	return g
}

// Add appends vectors. Positions are assigned in call order.
func (idx *VectorIndex) Add(vecs ...[]float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, vec := range vecs {
		if len(vec) != idx.dim {
			return errors.New(errors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector has dimension %d, index expects %d", len(vec), idx.dim), nil)
		}
	}
	for _, vec := range vecs {
		idx.graph.Add(hnsw.MakeNode(idx.count, vec))
		idx.count++
	}
	return nil
}

// Search returns up to k nearest neighbours by L2 distance, ascending.
// k larger than NTotal is capped.
func (idx *VectorIndex) Search(query []float32, k int) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.dim {
		return nil, errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query has dimension %d, index expects %d", len(query), idx.dim), nil)
	}
	if idx.count == 0 || k <= 0 {
		return nil, nil
	}
	if uint64(k) > idx.count {
		k = int(idx.count)
	}

	nodes := idx.graph.Search(query, k)
	hits := make([]Hit, 0, len(nodes))
	for _, n := range nodes {
		hits = append(hits, Hit{
			Position: n.Key,
			Distance: euclidean(query, n.Value),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// NTotal returns the number of stored vectors.
func (idx *VectorIndex) NTotal() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.count)
}

// Dim returns the vector dimension.
func (idx *VectorIndex) Dim() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// indexHeader describes the graph file; it lives in a gob sidecar at
// path + ".meta" so the graph stream stays untouched for Import.
type indexHeader struct {
	Magic   string
	Version int
	Dim     int
	Count   uint64
}

// Save writes the index atomically: the exported graph first, then the
// header sidecar (tmp + rename for both).
func (idx *VectorIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create index directory", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create temp index file", err)
	}
	if err := idx.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "export index graph", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "close temp index file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "publish index file", err)
	}

	return idx.saveHeader(path + ".meta")
}

func (idx *VectorIndex) saveHeader(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create temp index header", err)
	}

	header := indexHeader{
		Magic:   indexMagic,
		Version: indexVersion,
		Dim:     idx.dim,
		Count:   idx.count,
	}
	if err := gob.NewEncoder(f).Encode(header); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "encode index header", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "close temp index header", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "publish index header", err)
	}
	return nil
}

// LoadVectorIndex reads an index saved by Save.
func LoadVectorIndex(path string) (*VectorIndex, error) {
	header, err := loadHeader(path + ".meta")
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeFileNotFound,
				fmt.Sprintf("index file %s does not exist", path), err)
		}
		return nil, errors.New(errors.ErrCodeCorruptIndex, "open index file", err)
	}
	defer f.Close()

	graph := newGraph()
	// Import needs an io.ByteReader.
	if err := graph.Import(bufio.NewReader(f)); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptIndex, "import index graph", err)
	}

	if uint64(graph.Len()) != header.Count {
		return nil, errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("index has %d vectors but header records %d", graph.Len(), header.Count), nil)
	}

	return &VectorIndex{
		graph: graph,
		dim:   header.Dim,
		count: header.Count,
	}, nil
}

func loadHeader(path string) (indexHeader, error) {
	var header indexHeader

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return header, errors.New(errors.ErrCodeFileNotFound,
				fmt.Sprintf("index header %s does not exist", path), err)
		}
		return header, errors.New(errors.ErrCodeCorruptIndex, "open index header", err)
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&header); err != nil {
		return header, errors.New(errors.ErrCodeCorruptIndex, "decode index header", err)
	}
	if header.Magic != indexMagic {
		return header, errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("bad index magic %q", header.Magic), nil)
	}
	if header.Version != indexVersion {
		return header, errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("unsupported index version %d", header.Version), nil)
	}
	return header, nil
}

func euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}
