package device

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/oshokin/abota/internal/device"
)

// protoFile is the path of the schema under api/.
const protoFile = "abota/device/v1/device.proto"

// Fields of RunResponse and PushRequest.
const (
	fieldStdout   = "stdout"
	fieldStderr   = "stderr"
	fieldExitCode = "exit_code"
	fieldPath     = "path"
	fieldData     = "data"
)

//nolint:gochecknoglobals // Descriptors are package level, as generated code does.
var (
	// deviceFile is the descriptor of api/abota/device/v1/device.proto.
	deviceFile = mustBuildFile()
	// runResponseDesc describes abota.device.v1.RunResponse.
	runResponseDesc = deviceFile.Messages().ByName("RunResponse")
	// pushRequestDesc describes abota.device.v1.PushRequest.
	pushRequestDesc = deviceFile.Messages().ByName("PushRequest")
)

// mustBuildFile builds the file descriptor matching device.proto.
func mustBuildFile() protoreflect.FileDescriptor {
	bytesType := descriptorpb.FieldDescriptorProto_TYPE_BYTES

	file, err := protodesc.NewFile(&descriptorpb.FileDescriptorProto{
		Name:    proto.String(protoFile),
		Package: proto.String("abota.device.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("RunResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField(fieldStdout, 1, bytesType),
					scalarField(fieldStderr, 2, bytesType),
					scalarField(fieldExitCode, 3, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				},
			},
			{
				Name: proto.String("PushRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField(fieldPath, 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField(fieldData, 2, bytesType),
				},
			},
		},
	}, nil)
	if err != nil {
		panic(err)
	}

	return file
}

func scalarField(name string, number int32, kind descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   kind.Enum(),
	}
}

func newRunResponse() *dynamicpb.Message {
	return dynamicpb.NewMessage(runResponseDesc)
}

func newPushRequest() *dynamicpb.Message {
	return dynamicpb.NewMessage(pushRequestDesc)
}

// encodeResult fills a RunResponse.
func encodeResult(res device.Result) *dynamicpb.Message {
	m := newRunResponse()
	fields := runResponseDesc.Fields()

	setBytes(m, fields.ByName(fieldStdout), res.Stdout)
	setBytes(m, fields.ByName(fieldStderr), res.Stderr)
	m.Set(fields.ByName(fieldExitCode), protoreflect.ValueOfInt32(int32(res.ExitCode))) //nolint:gosec // Exit codes fit in a byte.

	return m
}

// decodeResult reads a RunResponse.
func decodeResult(m *dynamicpb.Message) device.Result {
	fields := runResponseDesc.Fields()

	return device.Result{
		Stdout:   m.Get(fields.ByName(fieldStdout)).Bytes(),
		Stderr:   m.Get(fields.ByName(fieldStderr)).Bytes(),
		ExitCode: int(m.Get(fields.ByName(fieldExitCode)).Int()),
	}
}

// encodePush fills a PushRequest.
func encodePush(path string, data []byte) *dynamicpb.Message {
	m := newPushRequest()
	fields := pushRequestDesc.Fields()

	m.Set(fields.ByName(fieldPath), protoreflect.ValueOfString(path))
	setBytes(m, fields.ByName(fieldData), data)

	return m
}

// decodePush reads a PushRequest.
func decodePush(m *dynamicpb.Message) (string, []byte) {
	fields := pushRequestDesc.Fields()

	return m.Get(fields.ByName(fieldPath)).String(), m.Get(fields.ByName(fieldData)).Bytes()
}

// setBytes sets a bytes field, leaving empty values unset as proto3 does.
func setBytes(m *dynamicpb.Message, fd protoreflect.FieldDescriptor, b []byte) {
	if len(b) > 0 {
		m.Set(fd, protoreflect.ValueOfBytes(b))
	}
}
