package export

// Hand-built protobuf encoding of the ONNX schema, covering the subset
// of onnx.proto the exported graphs use. Field numbers follow the public
// schema exactly:
//
//	ModelProto:    ir_version=1, producer_name=2, producer_version=3,
//	               model_version=5, graph=7, opset_import=8
//	GraphProto:    node=1, name=2, initializer=5, input=11, output=12
//	NodeProto:     input=1, output=2, name=3, op_type=4, attribute=5
//	AttributeProto: name=1, f=2, i=3, ints=8, type=20
//	TensorProto:   dims=1, data_type=2, name=8, raw_data=9
//	ValueInfoProto: name=1, type=2
//
// Encoding by hand keeps the writer deterministic: fields are emitted in
// a fixed order, so exporting the same checkpoint twice produces
// byte-identical artifacts.

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX header constants: IR version 7, default opset 13.
const (
	onnxIRVersion   = 7
	onnxOpsetV      = 13
	onnxProducer    = "tilenet"
	onnxProducerVer = "1.0.0"
)

// TensorProto data types used by the exporter.
const (
	onnxFloat = 1
	onnxInt8  = 3
)

// AttributeProto.AttributeType values.
const (
	onnxAttrFloat = 1
	onnxAttrInt   = 2
	onnxAttrInts  = 7
)

func appendVarintField(b []byte, field protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, field protowire.Number, data []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendStringField(b []byte, field protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFloatField(b []byte, field protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, field, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

// tensorProtoFloat encodes a float32 TensorProto with little-endian
// raw_data.
func tensorProtoFloat(name string, dims []int, data []float32) []byte {
	var b []byte
	for _, d := range dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	b = appendVarintField(b, 2, onnxFloat)
	b = appendStringField(b, 8, name)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return appendBytesField(b, 9, raw)
}

// tensorProtoInt8 encodes an int8 TensorProto.
func tensorProtoInt8(name string, dims []int, data []int8) []byte {
	var b []byte
	for _, d := range dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	b = appendVarintField(b, 2, onnxInt8)
	b = appendStringField(b, 8, name)
	raw := make([]byte, len(data))
	for i, v := range data {
		raw[i] = byte(v)
	}
	return appendBytesField(b, 9, raw)
}

func attrInt(name string, v int) []byte {
	var b []byte
	b = appendStringField(b, 1, name)
	b = appendVarintField(b, 3, uint64(v))
	return appendVarintField(b, 20, onnxAttrInt)
}

func attrInts(name string, vs ...int) []byte {
	var b []byte
	b = appendStringField(b, 1, name)
	for _, v := range vs {
		b = appendVarintField(b, 8, uint64(v))
	}
	return appendVarintField(b, 20, onnxAttrInts)
}

func attrFloat(name string, f float32) []byte {
	var b []byte
	b = appendStringField(b, 1, name)
	b = appendFloatField(b, 2, f)
	return appendVarintField(b, 20, onnxAttrFloat)
}

// nodeProto encodes one NodeProto.
func nodeProto(opType, name string, inputs, outputs []string, attrs ...[]byte) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendStringField(b, 1, in)
	}
	for _, out := range outputs {
		b = appendStringField(b, 2, out)
	}
	b = appendStringField(b, 3, name)
	b = appendStringField(b, 4, opType)
	for _, a := range attrs {
		b = appendBytesField(b, 5, a)
	}
	return b
}

// valueInfoProto encodes a float tensor ValueInfoProto with fixed dims.
func valueInfoProto(name string, dims []int) []byte {
	// TensorShapeProto.Dimension: dim_value=1
	var shape []byte
	for _, d := range dims {
		var dim []byte
		dim = appendVarintField(dim, 1, uint64(d))
		shape = appendBytesField(shape, 1, dim)
	}
	// TypeProto.Tensor: elem_type=1, shape=2
	var tt []byte
	tt = appendVarintField(tt, 1, onnxFloat)
	tt = appendBytesField(tt, 2, shape)
	// TypeProto: tensor_type=1
	var tp []byte
	tp = appendBytesField(tp, 1, tt)
	// ValueInfoProto: name=1, type=2
	var b []byte
	b = appendStringField(b, 1, name)
	return appendBytesField(b, 2, tp)
}

// modelProto wraps a serialized GraphProto in the ModelProto envelope.
func modelProto(graph []byte) []byte {
	var b []byte
	b = appendVarintField(b, 1, onnxIRVersion)
	b = appendStringField(b, 2, onnxProducer)
	b = appendStringField(b, 3, onnxProducerVer)
	b = appendVarintField(b, 5, 1) // model_version
	b = appendBytesField(b, 7, graph)
	// OperatorSetIdProto: domain=1 (default ""), version=2
	var opset []byte
	opset = appendVarintField(opset, 2, onnxOpsetV)
	return appendBytesField(b, 8, opset)
}
