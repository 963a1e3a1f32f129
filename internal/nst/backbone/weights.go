package backbone

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

// ErrCorruptArtifact reports a weight file that does not follow the safetensors layout.
var ErrCorruptArtifact = errors.New("corrupt weight artifact")

const (
	// maxHeaderBytes bounds the JSON header of an artifact.
	maxHeaderBytes = 100 << 20
	// maxElements bounds a single tensor, so 4*n fits the offsets.
	maxElements = 1 << 30
)

// Param is one named tensor of a weight artifact.
type Param struct {
	Shape []int
	Data  []float32
}

// Weights maps parameter names such as conv_3.weight to their values.
type Weights map[string]Param

func (w Weights) param(name string, shape ...int) ([]float32, error) {
	p, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}

	if !slices.Equal(p.Shape, shape) {
		return nil, fmt.Errorf("%w: %s has shape %v, want %v", ErrCorruptArtifact, name, p.Shape, shape)
	}

	return p.Data, nil
}

type tensorHeader struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// LoadWeights reads a weight artifact from disk.
func LoadWeights(path string) (Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening weights %s: %w", path, err)
	}
	defer f.Close()

	w, err := ReadWeights(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("error reading weights %s: %w", path, err)
	}

	return w, nil
}

// ReadWeights parses a safetensors stream holding F32 tensors.
func ReadWeights(r io.Reader) (Weights, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: header length: %w", ErrCorruptArtifact, err)
	}

	if headerLen == 0 || headerLen > maxHeaderBytes {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptArtifact, headerLen)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorruptArtifact, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: header json: %w", ErrCorruptArtifact, err)
	}

	headers := make(map[string]tensorHeader, len(entries))
	for name, msg := range entries {
		if name == "__metadata__" {
			continue
		}

		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrCorruptArtifact, name, err)
		}

		if h.DType != "F32" {
			return nil, fmt.Errorf("%w: tensor %s has dtype %s", ErrCorruptArtifact, name, h.DType)
		}

		n := 1
		for _, d := range h.Shape {
			if d <= 0 || n > maxElements/d {
				return nil, fmt.Errorf("%w: tensor %s has shape %v", ErrCorruptArtifact, name, h.Shape)
			}
			n *= d
		}

		if h.DataOffsets[0] < 0 || h.DataOffsets[1] < h.DataOffsets[0] ||
			h.DataOffsets[1]-h.DataOffsets[0] != 4*n {
			return nil, fmt.Errorf("%w: tensor %s offsets %v do not match shape %v",
				ErrCorruptArtifact, name, h.DataOffsets, h.Shape)
		}

		headers[name] = h
	}

	end, err := dataEnd(headers)
	if err != nil {
		return nil, err
	}

	// the buffer grows with what the stream holds, not with what the header claims
	data, err := io.ReadAll(io.LimitReader(r, int64(end)))
	if err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrCorruptArtifact, err)
	}

	if len(data) != end {
		return nil, fmt.Errorf("%w: data: want %d bytes, got %d", ErrCorruptArtifact, end, len(data))
	}

	w := make(Weights, len(headers))
	for name, h := range headers {
		buf := data[h.DataOffsets[0]:h.DataOffsets[1]]
		values := make([]float32, len(buf)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		w[name] = Param{Shape: h.Shape, Data: values}
	}

	return w, nil
}

// dataEnd returns the size of the data section and fails on tensors sharing bytes.
func dataEnd(headers map[string]tensorHeader) (int, error) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		return headers[a].DataOffsets[0] - headers[b].DataOffsets[0]
	})

	end := 0
	for i, name := range names {
		h := headers[name]
		if i > 0 && h.DataOffsets[0] < end {
			return 0, fmt.Errorf("%w: tensor %s overlaps %s", ErrCorruptArtifact, name, names[i-1])
		}
		end = max(end, h.DataOffsets[1])
	}

	return end, nil
}

// WriteWeights serializes w in the safetensors layout, tensors sorted by name.
func WriteWeights(out io.Writer, w Weights, metadata map[string]string) error {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(w)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	offset := 0
	for _, name := range names {
		n := 4 * len(w[name].Data)
		header[name] = tensorHeader{DType: "F32", Shape: w[name].Shape, DataOffsets: [2]int{offset, offset + n}}
		offset += n
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}

	// data starts on an 8 byte boundary
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	bw := bufio.NewWriter(out)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}

	if _, err := bw.Write(raw); err != nil {
		return err
	}

	var buf [4]byte
	for _, name := range names {
		for _, v := range w[name].Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// RandomWeights draws He-initialized weights for every conv layer of specs from a seeded
// source, so the same seed always produces the same artifact.
func RandomWeights(specs []LayerSpec, seed uint64) Weights {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	w := make(Weights)

	for _, spec := range specs {
		if spec.Kind != Conv {
			continue
		}

		fanIn := spec.InC * spec.Kernel * spec.Kernel
		scale := math.Sqrt(2 / float64(fanIn))

		weight := make([]float32, spec.OutC*fanIn)
		for i := range weight {
			weight[i] = float32(r.NormFloat64() * scale)
		}

		w[spec.Name+".weight"] = Param{Shape: []int{spec.OutC, spec.InC, spec.Kernel, spec.Kernel}, Data: weight}
		w[spec.Name+".bias"] = Param{Shape: []int{spec.OutC}, Data: make([]float32, spec.OutC)}
	}

	return w
}
