package protocol

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const protoPackage = "termchat"

// Envelope field numbers. Payload variants occupy payloadFieldBase+cmd-1, so
// CMD_REGISTER_REQ travels in field 10 and CMD_GET_PENDING_RES in field 30.
const (
	fieldSeq         protoreflect.FieldNumber = 1
	fieldCmd         protoreflect.FieldNumber = 2
	fieldTimestamp   protoreflect.FieldNumber = 3
	fieldToken       protoreflect.FieldNumber = 4
	payloadFieldBase protoreflect.FieldNumber = 10
)

func payloadField(c Command) protoreflect.FieldNumber {
	return payloadFieldBase + protoreflect.FieldNumber(c) - 1
}

func payloadCommand(num protoreflect.FieldNumber) (Command, bool) {
	c := Command(num - payloadFieldBase + 1)
	return c, num >= payloadFieldBase && c.Valid()
}

// payloadFieldName maps CMD_LOGIN_REQ to login_req.
func payloadFieldName(c Command) string {
	return strings.ToLower(strings.TrimPrefix(c.String(), "CMD_"))
}

// Enum value names as they appear in termchat.proto. Values are numbered by
// position.
var enumValues = map[reflect.Type][]string{
	reflect.TypeOf(FriendAction(0)): {"ACTION_UNKNOWN", "ACTION_ACCEPT", "ACTION_REJECT"},
	reflect.TypeOf(UserStatus(0)):   {"STATUS_UNKNOWN", "STATUS_ONLINE", "STATUS_OFFLINE"},
	reflect.TypeOf(ContentType(0)):  {"CONTENT_TEXT", "CONTENT_IMAGE", "CONTENT_FILE"},
}

func commandValues() []string {
	names := make([]string, 0, maxCommand+1)
	for c := CmdUnknown; c <= maxCommand; c++ {
		names = append(names, c.String())
	}
	return names
}

// envelopeDesc is the Envelope message of termchat.proto, built from the
// payload structs and their proto tags.
var envelopeDesc = sync.OnceValue(func() protoreflect.MessageDescriptor {
	md, err := buildSchema()
	if err != nil {
		panic(fmt.Sprintf("protocol: build schema: %v", err))
	}
	return md
})

type schemaBuilder struct {
	file *descriptorpb.FileDescriptorProto
	seen map[reflect.Type]bool
}

func buildSchema() (protoreflect.MessageDescriptor, error) {
	b := &schemaBuilder{
		file: &descriptorpb.FileDescriptorProto{
			Name:    proto.String("termchat.proto"),
			Package: proto.String(protoPackage),
			Syntax:  proto.String("proto3"),
		},
		seen: make(map[reflect.Type]bool),
	}
	b.addEnum("Command", commandValues())

	envelope := &descriptorpb.DescriptorProto{
		Name: proto.String("Envelope"),
		Field: []*descriptorpb.FieldDescriptorProto{
			newField("seq", fieldSeq, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
			enumField("cmd", fieldCmd, "Command"),
			newField("timestamp", fieldTimestamp, descriptorpb.FieldDescriptorProto_TYPE_INT64),
			newField("token", fieldToken, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		},
	}
	for c := CmdRegisterReq; c <= maxCommand; c++ {
		f, err := b.field(payloadFieldName(c), payloadField(c), reflect.TypeOf(newPayload(c)).Elem())
		if err != nil {
			return nil, err
		}
		envelope.Field = append(envelope.Field, f)
	}
	b.file.MessageType = append(b.file.MessageType, envelope)

	fd, err := protodesc.NewFile(b.file, nil)
	if err != nil {
		return nil, err
	}
	return fd.Messages().ByName("Envelope"), nil
}

func newField(name string, num protoreflect.FieldNumber, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(int32(num)),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func enumField(name string, num protoreflect.FieldNumber, enum string) *descriptorpb.FieldDescriptorProto {
	f := newField(name, num, descriptorpb.FieldDescriptorProto_TYPE_ENUM)
	f.TypeName = proto.String("." + protoPackage + "." + enum)
	return f
}

func (b *schemaBuilder) addEnum(name string, values []string) {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for i, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(v),
			Number: proto.Int32(int32(i)),
		})
	}
	b.file.EnumType = append(b.file.EnumType, e)
}

// field describes one struct field of Go type t.
func (b *schemaBuilder) field(name string, num protoreflect.FieldNumber, t reflect.Type) (*descriptorpb.FieldDescriptorProto, error) {
	repeated := t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8
	if repeated {
		t = t.Elem()
	}

	var f *descriptorpb.FieldDescriptorProto
	switch values, isEnum := enumValues[t]; {
	case isEnum:
		if !b.seen[t] {
			b.seen[t] = true
			b.addEnum(t.Name(), values)
		}
		f = enumField(name, num, t.Name())
	case t.Kind() == reflect.Struct:
		if err := b.addMessage(t); err != nil {
			return nil, err
		}
		f = newField(name, num, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
		f.TypeName = proto.String("." + protoPackage + "." + t.Name())
	case t.Kind() == reflect.Slice:
		f = newField(name, num, descriptorpb.FieldDescriptorProto_TYPE_BYTES)
	case t.Kind() == reflect.Bool:
		f = newField(name, num, descriptorpb.FieldDescriptorProto_TYPE_BOOL)
	case t.Kind() == reflect.Uint64:
		f = newField(name, num, descriptorpb.FieldDescriptorProto_TYPE_UINT64)
	case t.Kind() == reflect.Int64:
		f = newField(name, num, descriptorpb.FieldDescriptorProto_TYPE_INT64)
	case t.Kind() == reflect.String:
		f = newField(name, num, descriptorpb.FieldDescriptorProto_TYPE_STRING)
	default:
		return nil, fmt.Errorf("field %s: unsupported type %s", name, t)
	}
	if repeated {
		f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	}
	return f, nil
}

func (b *schemaBuilder) addMessage(t reflect.Type) error {
	if b.seen[t] {
		return nil
	}
	b.seen[t] = true

	msg := &descriptorpb.DescriptorProto{Name: proto.String(t.Name())}
	for _, sf := range structFields(t) {
		f, err := b.field(sf.name, sf.num, t.Field(sf.index).Type)
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
		msg.Field = append(msg.Field, f)
	}
	b.file.MessageType = append(b.file.MessageType, msg)
	return nil
}

type structField struct {
	index int
	num   protoreflect.FieldNumber
	name  string
}

var structFieldCache sync.Map // reflect.Type -> []structField

// structFields parses the `proto:"<number>,<name>"` tags of t.
func structFields(t reflect.Type) []structField {
	if v, ok := structFieldCache.Load(t); ok {
		return v.([]structField)
	}
	var fields []structField
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("proto")
		if !ok {
			continue
		}
		numStr, name, _ := strings.Cut(tag, ",")
		num, err := strconv.Atoi(numStr)
		if err != nil || name == "" {
			panic(fmt.Sprintf("protocol: bad proto tag %q on %s.%s", tag, t.Name(), t.Field(i).Name))
		}
		fields = append(fields, structField{index: i, num: protoreflect.FieldNumber(num), name: name})
	}
	structFieldCache.Store(t, fields)
	return fields
}
