package export

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/model"
)

// onnxTensor is one decoded initializer.
type onnxTensor struct {
	name     string
	dataType int
	raw      []byte
}

// loadONNX reads an exported ONNX artifact back into a runnable model by
// decoding its initializers and loading them onto the checkpoint's
// architecture. Quantized weights reconstruct through their stored scale.
// This is the verification path for probe equivalence.
func loadONNX(path string, ckpt *checkpoints.Checkpoint) (*model.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read onnx artifact: %w", err)
	}
	graph, err := onnxMessageField(data, 7)
	if err != nil {
		return nil, fmt.Errorf("onnx artifact %s has no graph: %w", path, err)
	}
	inits, err := onnxInitializers(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to decode onnx initializers in %s: %w", path, err)
	}

	weights := make(map[string][]float32, len(inits))
	for name, t := range inits {
		switch t.dataType {
		case onnxFloat:
			weights[name] = rawToFloats(t.raw)
		case onnxInt8:
			base, isQuant := strings.CutSuffix(name, "_quant")
			if !isQuant {
				continue // zero-point initializers need no reconstruction
			}
			scaleT, ok := inits[base+"_scale"]
			if !ok {
				return nil, fmt.Errorf("onnx artifact %s is missing scale for %s", path, name)
			}
			scale := rawToFloats(scaleT.raw)
			q := make([]int8, len(t.raw))
			for i, b := range t.raw {
				q[i] = int8(b)
			}
			weights[base] = dequantizeTensor(q, scale[0])
		}
	}

	m, err := model.Build(ckpt.Arch, false, 0,
		model.WithNumClasses(ckpt.NumClasses),
		model.WithInputSize(ckpt.InputSize),
		model.WithSeed(ckpt.Seed),
	)
	if err != nil {
		return nil, err
	}
	if err := m.LoadNamedTensors(weights); err != nil {
		return nil, fmt.Errorf("onnx artifact %s does not cover the model tensors: %w", path, err)
	}
	m.Eval()
	return m, nil
}

// onnxMessageField returns the first length-delimited field with the
// given number in a serialized message.
func onnxMessageField(msg []byte, field protowire.Number) ([]byte, error) {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		msg = msg[n:]
		if num == field && typ == protowire.BytesType {
			val, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return val, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, msg)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		msg = msg[n:]
	}
	return nil, fmt.Errorf("field %d not found", field)
}

// onnxInitializers decodes every initializer TensorProto in a GraphProto.
func onnxInitializers(graph []byte) (map[string]onnxTensor, error) {
	inits := make(map[string]onnxTensor)
	msg := graph
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		msg = msg[n:]
		if num == 5 && typ == protowire.BytesType {
			val, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			msg = msg[n:]
			t, err := decodeTensorProto(val)
			if err != nil {
				return nil, err
			}
			inits[t.name] = t
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, msg)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		msg = msg[n:]
	}
	return inits, nil
}

func decodeTensorProto(msg []byte) (onnxTensor, error) {
	var t onnxTensor
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return t, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			msg = msg[n:]
			t.dataType = int(v)
		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			msg = msg[n:]
			t.name = string(v)
		case num == 9 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			msg = msg[n:]
			t.raw = v
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return t, nil
}

func rawToFloats(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
