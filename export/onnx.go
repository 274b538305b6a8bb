package export

import (
	"fmt"
	"os"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/errors"
	"github.com/accessvision/tilenet/layers"
	"github.com/accessvision/tilenet/model"
	"github.com/accessvision/tilenet/tensor"
)

// exportONNX lowers the model graph to ONNX opset 13 and writes the
// serialized ModelProto. Grouped-convolution lowering for the mobile
// backbone is not implemented, so that (format, architecture) pair is
// rejected rather than silently dropped. The written artifact is read
// back for the probe equivalence check.
func exportONNX(ckpt *checkpoints.Checkpoint, src *model.Model, path string, quantize bool) (*model.Model, error) {
	if ckpt.Arch == "mobilenet_v2" {
		return nil, errors.New(errors.KindUnsupportedExportTarget).
			WithMessage("mobilenet_v2 cannot be exported to onnx: grouped-convolution lowering is not implemented").
			WithArtifact(ckpt.Arch).
			WithHint("export mobilenet_v2 to the native format, or use a resnet backbone for onnx targets")
	}

	gb := &onnxGraphBuilder{quantize: quantize, current: "input"}
	for _, l := range src.Layers() {
		if err := gb.lower(l); err != nil {
			return nil, fmt.Errorf("failed to lower %s to onnx: %w", l.Name(), err)
		}
	}

	graph := gb.finish(src.InputSize(), src.NumClasses())
	if err := os.WriteFile(path, modelProto(graph), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write onnx artifact: %w", err)
	}
	return loadONNX(path, ckpt)
}

// onnxGraphBuilder accumulates nodes and initializers while walking the
// layer graph. current tracks the activation tensor name for graph
// connectivity.
type onnxGraphBuilder struct {
	quantize     bool
	current      string
	nodes        [][]byte
	initializers [][]byte
}

// weightInput registers a parameter tensor as a graph input. Quantized
// multi-dimensional weights are stored int8 with a DequantizeLinear node
// reconstructing the float tensor under the canonical name.
func (gb *onnxGraphBuilder) weightInput(name string, t *tensor.Tensor) string {
	if gb.quantize && t.Dim() >= 2 {
		q, scale := quantizeTensor(t.Data)
		gb.initializers = append(gb.initializers,
			tensorProtoInt8(name+"_quant", t.Shape, q),
			tensorProtoFloat(name+"_scale", nil, []float32{scale}),
			tensorProtoInt8(name+"_zero", nil, []int8{0}),
		)
		gb.nodes = append(gb.nodes, nodeProto("DequantizeLinear", name+"_dequant",
			[]string{name + "_quant", name + "_scale", name + "_zero"},
			[]string{name}))
		return name
	}
	gb.initializers = append(gb.initializers, tensorProtoFloat(name, t.Shape, t.Data))
	return name
}

// emit appends a node producing output and advances the current tensor.
func (gb *onnxGraphBuilder) emit(opType, name string, inputs []string, attrs ...[]byte) {
	output := name + "_out"
	gb.nodes = append(gb.nodes, nodeProto(opType, name, inputs, []string{output}, attrs...))
	gb.current = output
}

// lower converts one layer (or composite block) into ONNX nodes.
func (gb *onnxGraphBuilder) lower(l layers.Layer) error {
	switch v := l.(type) {
	case *layers.Conv2D:
		inputs := []string{gb.current, gb.weightInput(v.Weight.Name, v.Weight.Data)}
		if v.Bias != nil {
			inputs = append(inputs, gb.weightInput(v.Bias.Name, v.Bias.Data))
		}
		gb.emit("Conv", v.Name(), inputs,
			attrInts("kernel_shape", v.KernelSize, v.KernelSize),
			attrInts("strides", v.Stride, v.Stride),
			attrInts("pads", v.Padding, v.Padding, v.Padding, v.Padding),
			attrInt("group", 1),
		)

	case *layers.BatchNorm2D:
		gb.emit("BatchNormalization", v.Name(), []string{
			gb.current,
			gb.weightInput(v.Gamma.Name, v.Gamma.Data),
			gb.weightInput(v.Beta.Name, v.Beta.Data),
			gb.weightInput(v.Name()+".running_mean", v.RunningMean),
			gb.weightInput(v.Name()+".running_var", v.RunningVar),
		},
			attrFloat("epsilon", v.Epsilon),
			attrFloat("momentum", 1-v.Momentum),
		)

	case *layers.ReLU:
		gb.emit("Relu", v.Name(), []string{gb.current})

	case *layers.ReLU6:
		minName := v.Name() + "_min"
		maxName := v.Name() + "_max"
		gb.initializers = append(gb.initializers,
			tensorProtoFloat(minName, nil, []float32{0}),
			tensorProtoFloat(maxName, nil, []float32{6}),
		)
		gb.emit("Clip", v.Name(), []string{gb.current, minName, maxName})

	case *layers.MaxPool2D:
		gb.emit("MaxPool", v.Name(), []string{gb.current},
			attrInts("kernel_shape", v.KernelSize, v.KernelSize),
			attrInts("strides", v.Stride, v.Stride),
			attrInts("pads", v.Padding, v.Padding, v.Padding, v.Padding),
		)

	case *layers.GlobalAvgPool:
		gb.emit("GlobalAveragePool", v.Name(), []string{gb.current})
		gb.emit("Flatten", v.Name()+"_flatten", []string{gb.current}, attrInt("axis", 1))

	case *layers.Dense:
		// weight layout [in, out] matches Gemm with transB=0
		inputs := []string{gb.current, gb.weightInput(v.Weight.Name, v.Weight.Data)}
		if v.Bias != nil {
			inputs = append(inputs, gb.weightInput(v.Bias.Name, v.Bias.Data))
		}
		gb.emit("Gemm", v.Name(), inputs,
			attrFloat("alpha", 1),
			attrFloat("beta", 1),
			attrInt("transB", 0),
		)

	case *layers.Dropout:
		// identity at inference; no node emitted

	case *model.ResidualBlock:
		return gb.lowerResidual(v)

	default:
		return fmt.Errorf("no onnx lowering for layer type %s", l.Type())
	}
	return nil
}

// lowerResidual lowers main path, skip path and the joining Add + Relu.
func (gb *onnxGraphBuilder) lowerResidual(b *model.ResidualBlock) error {
	entry := gb.current
	for _, l := range b.MainPath() {
		if err := gb.lower(l); err != nil {
			return err
		}
	}
	mainOut := gb.current

	skipOut := entry
	if down := b.DownPath(); down != nil {
		gb.current = entry
		for _, l := range down {
			if err := gb.lower(l); err != nil {
				return err
			}
		}
		skipOut = gb.current
	}

	gb.emit("Add", b.Name()+".add", []string{mainOut, skipOut})
	gb.emit("Relu", b.Name()+".relu", []string{gb.current})
	return nil
}

// finish serializes the GraphProto with the fixed input/output contract:
// one float input [1, 3, size, size], one float output [1, classes].
func (gb *onnxGraphBuilder) finish(inputSize, numClasses int) []byte {
	var graph []byte
	for _, n := range gb.nodes {
		graph = appendBytesField(graph, 1, n)
	}
	graph = appendStringField(graph, 2, "tilenet")
	for _, init := range gb.initializers {
		graph = appendBytesField(graph, 5, init)
	}
	graph = appendBytesField(graph, 11, valueInfoProto("input", []int{1, 3, inputSize, inputSize}))
	graph = appendBytesField(graph, 12, valueInfoProto(gb.current, []int{1, numClasses}))
	return graph
}
