package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// TensorWithShape is a named float32 tensor ready for serialization
type TensorWithShape struct {
	Shape  []int
	Values []float32
}

// TensorInfo describes a tensor's properties in a safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// SerializeSafetensors converts tensors to safetensors bytes (F32 only).
// metadata is stored under "__metadata__" and may be nil.
func SerializeSafetensors(tensors map[string]TensorWithShape, metadata map[string]string) ([]byte, error) {
	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		numElements := 1
		for _, dim := range tensor.Shape {
			numElements *= dim
		}
		if numElements != len(tensor.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, tensor.Shape, numElements, len(tensor.Values))
		}
		dataSize := numElements * 4
		header[name] = TensorInfo{
			DType:  "F32",
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	offset := 8 + int(headerSize)
	for _, name := range names {
		for _, val := range tensors[name].Values {
			binary.LittleEndian.PutUint32(result[offset:], math.Float32bits(val))
			offset += 4
		}
	}

	return result, nil
}

// ParseSafetensors reads F32 tensors and the metadata map from safetensors bytes.
func ParseSafetensors(data []byte) (map[string]TensorWithShape, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("safetensors: %d bytes is too short", len(data))
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("safetensors: header size %d exceeds file", headerSize)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}

	body := data[8+headerSize:]
	tensors := make(map[string]TensorWithShape, len(rawHeader))
	var metadata map[string]string

	for name, raw := range rawHeader {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if info.DType != "F32" {
			return nil, nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		if len(info.Offset) != 2 || info.Offset[0] < 0 || info.Offset[1] > len(body) || info.Offset[0] > info.Offset[1] {
			return nil, nil, fmt.Errorf("tensor %s: bad data offsets %v", name, info.Offset)
		}

		chunk := body[info.Offset[0]:info.Offset[1]]
		values := make([]float32, len(chunk)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
		}
		tensors[name] = TensorWithShape{Shape: info.Shape, Values: values}
	}

	return tensors, metadata, nil
}

// ============================================================================
// Module weights
// ============================================================================

func (m *Module) weightTensors() map[string]TensorWithShape {
	tensors := make(map[string]TensorWithShape, 2*len(m.Layers))
	for i := range m.Layers {
		l := &m.Layers[i]
		prefix := fmt.Sprintf("layers.%d", i)
		switch l.Type {
		case LayerConv2D:
			tensors[prefix+".weight"] = TensorWithShape{Shape: []int{l.Filters, l.InputChannels, l.KernelSize, l.KernelSize}, Values: l.Kernel}
			tensors[prefix+".bias"] = TensorWithShape{Shape: []int{l.Filters}, Values: l.Bias}
		case LayerDense:
			tensors[prefix+".weight"] = TensorWithShape{Shape: []int{l.InputSize, l.OutputSize}, Values: l.Kernel}
			tensors[prefix+".bias"] = TensorWithShape{Shape: []int{l.OutputSize}, Values: l.Bias}
		}
	}
	return tensors
}

// MarshalWeights serializes every parameter as "layers.{index}.{weight|bias}".
func (m *Module) MarshalWeights() ([]byte, error) {
	return SerializeSafetensors(m.weightTensors(), map[string]string{
		"module": m.Name,
		"layers": strconv.Itoa(len(m.Layers)),
	})
}

// UnmarshalWeights copies serialized parameters into the module. The layer
// layout must match exactly; nothing is modified on error.
func (m *Module) UnmarshalWeights(data []byte) error {
	w, err := m.DecodeWeights(data)
	if err != nil {
		return err
	}
	w.Apply()
	return nil
}

// DecodedWeights are parameters checked against one module's layout but
// not yet copied into it.
type DecodedWeights struct {
	module  *Module
	tensors map[string]TensorWithShape
}

// DecodeWeights parses and validates serialized parameters for m without
// modifying it. Apply copies them in.
func (m *Module) DecodeWeights(data []byte) (*DecodedWeights, error) {
	tensors, _, err := ParseSafetensors(data)
	if err != nil {
		return nil, err
	}

	want := m.weightTensors()
	if len(tensors) != len(want) {
		return nil, fmt.Errorf("module %s: file has %d tensors, module has %d", m.Name, len(tensors), len(want))
	}
	for name, dst := range want {
		src, ok := tensors[name]
		if !ok {
			return nil, fmt.Errorf("module %s: missing tensor %s", m.Name, name)
		}
		if len(src.Values) != len(dst.Values) {
			return nil, fmt.Errorf("module %s: tensor %s has %d values, want %d", m.Name, name, len(src.Values), len(dst.Values))
		}
	}
	return &DecodedWeights{module: m, tensors: tensors}, nil
}

// Apply copies the decoded parameters into their module.
func (w *DecodedWeights) Apply() {
	for name, dst := range w.module.weightTensors() {
		copy(dst.Values, w.tensors[name].Values)
	}
}

// ============================================================================
// Optimizer state
// ============================================================================

// MarshalAdamState serializes moments as tensors and scalars as metadata.
func MarshalAdamState(s *AdamState) ([]byte, error) {
	tensors := make(map[string]TensorWithShape, len(s.Moments))
	for key, values := range s.Moments {
		tensors[key] = TensorWithShape{Shape: []int{len(values)}, Values: values}
	}
	return SerializeSafetensors(tensors, map[string]string{
		"optimizer": "adam",
		"step":      strconv.Itoa(s.Step),
		"beta1":     strconv.FormatFloat(float64(s.Beta1), 'g', -1, 32),
		"beta2":     strconv.FormatFloat(float64(s.Beta2), 'g', -1, 32),
		"epsilon":   strconv.FormatFloat(float64(s.Epsilon), 'g', -1, 32),
	})
}

// UnmarshalAdamState is the inverse of MarshalAdamState.
func UnmarshalAdamState(data []byte) (*AdamState, error) {
	tensors, metadata, err := ParseSafetensors(data)
	if err != nil {
		return nil, err
	}
	if metadata["optimizer"] != "adam" {
		return nil, fmt.Errorf("invalid optimizer type: expected adam, got %q", metadata["optimizer"])
	}

	s := &AdamState{Moments: make(map[string][]float32, len(tensors))}
	if s.Step, err = strconv.Atoi(metadata["step"]); err != nil {
		return nil, fmt.Errorf("optimizer step: %w", err)
	}
	for key, dst := range map[string]*float32{"beta1": &s.Beta1, "beta2": &s.Beta2, "epsilon": &s.Epsilon} {
		f, err := strconv.ParseFloat(metadata[key], 32)
		if err != nil {
			return nil, fmt.Errorf("optimizer %s: %w", key, err)
		}
		*dst = float32(f)
	}
	for key, t := range tensors {
		s.Moments[key] = t.Values
	}
	return s, nil
}
