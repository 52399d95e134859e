package retrieval

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	indexMagic   = "ACIX"
	indexVersion = 1
	indexHeader  = 16
)

// flatIndex is an exhaustive squared-L2 index. Row n holds the vector of
// the n-th record in insertion order.
type flatIndex struct {
	dim  int
	data []float32
}

func (x flatIndex) rows() int {
	if x.dim == 0 {
		return 0
	}
	return len(x.data) / x.dim
}

func (x flatIndex) row(n int) []float32 {
	return x.data[n*x.dim : (n+1)*x.dim]
}

// with returns a copy of x with v appended. x itself is left untouched.
func (x flatIndex) with(v []float32) flatIndex {
	next := flatIndex{dim: x.dim, data: make([]float32, 0, len(x.data)+len(v))}
	if next.dim == 0 {
		next.dim = len(v)
	}
	next.data = append(next.data, x.data...)
	next.data = append(next.data, v...)
	return next
}

// without returns a copy of x with row n removed.
func (x flatIndex) without(n int) flatIndex {
	next := flatIndex{dim: x.dim, data: make([]float32, 0, len(x.data)-x.dim)}
	next.data = append(next.data, x.data[:n*x.dim]...)
	next.data = append(next.data, x.data[(n+1)*x.dim:]...)
	if len(next.data) == 0 {
		next.dim = 0
	}
	return next
}

type hit struct {
	pos  int
	dist float32
}

// hitHeap is a max-heap on distance so the worst of the current top-k sits
// at the root. Ties favour the earlier row.
type hitHeap []hit

func (h hitHeap) Len() int { return len(h) }
func (h hitHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].pos > h[j].pos
}
func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)   { *h = append(*h, x.(hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// search returns the k nearest rows, nearest first.
func (x flatIndex) search(q []float32, k int) []hit {
	n := x.rows()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}

	h := make(hitHeap, 0, k)
	for pos := 0; pos < n; pos++ {
		d := squaredL2(q, x.row(pos))
		if h.Len() < k {
			heap.Push(&h, hit{pos: pos, dist: d})
		} else if d < h[0].dist {
			h[0] = hit{pos: pos, dist: d}
			heap.Fix(&h, 0)
		}
	}

	out := make([]hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(hit)
	}
	return out
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// marshal encodes the index as header + little-endian float32 payload.
func (x flatIndex) marshal() []byte {
	buf := make([]byte, indexHeader, indexHeader+len(x.data)*4)
	copy(buf, indexMagic)
	binary.LittleEndian.PutUint32(buf[4:], indexVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(x.dim))
	binary.LittleEndian.PutUint32(buf[12:], uint32(x.rows()))
	return append(buf, encodeFloat32s(x.data)...)
}

func unmarshalIndex(b []byte) (flatIndex, error) {
	if len(b) < indexHeader {
		return flatIndex{}, fmt.Errorf("index file truncated: %d bytes", len(b))
	}
	if string(b[:4]) != indexMagic {
		return flatIndex{}, fmt.Errorf("index file has bad magic %q", b[:4])
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != indexVersion {
		return flatIndex{}, fmt.Errorf("unsupported index version %d", v)
	}
	dim := int(binary.LittleEndian.Uint32(b[8:]))
	count := int(binary.LittleEndian.Uint32(b[12:]))

	data, err := decodeFloat32s(b[indexHeader:])
	if err != nil {
		return flatIndex{}, fmt.Errorf("decoding index payload: %w", err)
	}
	if len(data) != dim*count {
		return flatIndex{}, fmt.Errorf("index payload holds %d floats, header says %d x %d", len(data), count, dim)
	}
	if count == 0 {
		dim = 0
	}
	return flatIndex{dim: dim, data: data}, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
