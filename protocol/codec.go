package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// Encode serializes env. The payload variant must match env.Cmd.
func Encode(env *Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedEnvelope, env.Cmd)
	}
	if env.Payload.Command() != env.Cmd {
		return nil, fmt.Errorf("%w: payload %s under %s", ErrMalformedEnvelope, env.Payload.Command(), env.Cmd)
	}

	md := envelopeDesc()
	fields := md.Fields()
	m := dynamicpb.NewMessage(md)
	if env.Seq != 0 {
		m.Set(fields.ByNumber(fieldSeq), protoreflect.ValueOfUint64(env.Seq))
	}
	m.Set(fields.ByNumber(fieldCmd), protoreflect.ValueOfEnum(protoreflect.EnumNumber(env.Cmd)))
	if env.Timestamp != 0 {
		m.Set(fields.ByNumber(fieldTimestamp), protoreflect.ValueOfInt64(env.Timestamp))
	}
	if env.Token != "" {
		m.Set(fields.ByNumber(fieldToken), protoreflect.ValueOfString(env.Token))
	}

	fd := fields.ByNumber(payloadField(env.Cmd))
	m.Set(fd, protoreflect.ValueOfMessage(toMessage(fd.Message(), reflect.ValueOf(env.Payload).Elem())))

	b, err := marshalOpts.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return b, nil
}

// Decode parses one envelope. Any structural error, unknown command, missing
// or extra payload, or payload that does not belong to the command yields an
// error wrapping ErrMalformedEnvelope. Fields this build does not know are
// skipped.
func Decode(data []byte) (*Envelope, error) {
	md := envelopeDesc()
	m := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := checkWireTypes(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	fields := md.Fields()
	env := &Envelope{
		Seq:       m.Get(fields.ByNumber(fieldSeq)).Uint(),
		Cmd:       Command(m.Get(fields.ByNumber(fieldCmd)).Enum()),
		Timestamp: m.Get(fields.ByNumber(fieldTimestamp)).Int(),
		Token:     m.Get(fields.ByNumber(fieldToken)).String(),
	}
	if !env.Cmd.Valid() {
		return nil, fmt.Errorf("%w: unknown command %s", ErrMalformedEnvelope, env.Cmd)
	}

	var payloadFd protoreflect.FieldDescriptor
	for c := CmdRegisterReq; c <= maxCommand; c++ {
		fd := fields.ByNumber(payloadField(c))
		if !m.Has(fd) {
			continue
		}
		if payloadFd != nil {
			return nil, fmt.Errorf("%w: second payload %s after %s", ErrMalformedEnvelope, fd.Name(), payloadFd.Name())
		}
		payloadFd = fd
	}
	if payloadFd == nil {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedEnvelope, env.Cmd)
	}
	if cmd, _ := payloadCommand(payloadFd.Number()); cmd != env.Cmd {
		return nil, fmt.Errorf("%w: payload %s under %s", ErrMalformedEnvelope, cmd, env.Cmd)
	}

	p := newPayload(env.Cmd)
	if err := fromMessage(m.Get(payloadFd).Message(), reflect.ValueOf(p).Elem()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, env.Cmd, err)
	}
	env.Payload = p
	return env, nil
}

// checkWireTypes rejects known fields that arrived with the wrong wire type.
// proto.Unmarshal files those under unknown fields instead of failing.
func checkWireTypes(m protoreflect.Message) error {
	b := m.GetUnknown()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		if fd := m.Descriptor().Fields().ByNumber(num); fd != nil {
			return fmt.Errorf("field %s: unexpected wire type %d", fd.Name(), typ)
		}
		b = b[n:]
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// toMessage copies the tagged fields of struct v into a message of type md.
// Zero scalars and empty lists are left unset, as proto3 does.
func toMessage(md protoreflect.MessageDescriptor, v reflect.Value) *dynamicpb.Message {
	m := dynamicpb.NewMessage(md)
	for _, sf := range structFields(v.Type()) {
		fd := md.Fields().ByNumber(sf.num)
		fv := v.Field(sf.index)

		if fd.IsList() {
			if fv.Len() == 0 {
				continue
			}
			list := m.Mutable(fd).List()
			for i := 0; i < fv.Len(); i++ {
				list.Append(toValue(fd, fv.Index(i)))
			}
			continue
		}
		if fd.Kind() != protoreflect.MessageKind && fv.IsZero() {
			continue
		}
		m.Set(fd, toValue(fd, fv))
	}
	return m
}

func toValue(fd protoreflect.FieldDescriptor, v reflect.Value) protoreflect.Value {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return protoreflect.ValueOfBool(v.Bool())
	case protoreflect.EnumKind:
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(v.Int()))
	case protoreflect.Int64Kind:
		return protoreflect.ValueOfInt64(v.Int())
	case protoreflect.Uint64Kind:
		return protoreflect.ValueOfUint64(v.Uint())
	case protoreflect.StringKind:
		return protoreflect.ValueOfString(v.String())
	case protoreflect.BytesKind:
		return protoreflect.ValueOfBytes(v.Bytes())
	case protoreflect.MessageKind:
		return protoreflect.ValueOfMessage(toMessage(fd.Message(), v))
	default:
		panic(fmt.Sprintf("protocol: field %s has unsupported kind %s", fd.FullName(), fd.Kind()))
	}
}

// fromMessage fills struct v from m. Absent lists and bytes stay nil: proto3
// does not tell an empty list from a missing one.
func fromMessage(m protoreflect.Message, v reflect.Value) error {
	if err := checkWireTypes(m); err != nil {
		return err
	}
	md := m.Descriptor()
	for _, sf := range structFields(v.Type()) {
		fd := md.Fields().ByNumber(sf.num)
		fv := v.Field(sf.index)

		if fd.IsList() {
			list := m.Get(fd).List()
			if list.Len() == 0 {
				continue
			}
			s := reflect.MakeSlice(fv.Type(), list.Len(), list.Len())
			for i := 0; i < list.Len(); i++ {
				if err := fromValue(fd, list.Get(i), s.Index(i)); err != nil {
					return err
				}
			}
			fv.Set(s)
			continue
		}
		if !m.Has(fd) {
			continue
		}
		if err := fromValue(fd, m.Get(fd), fv); err != nil {
			return err
		}
	}
	return nil
}

func fromValue(fd protoreflect.FieldDescriptor, val protoreflect.Value, dst reflect.Value) error {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		dst.SetBool(val.Bool())
	case protoreflect.EnumKind:
		dst.SetInt(int64(val.Enum()))
	case protoreflect.Int64Kind:
		dst.SetInt(val.Int())
	case protoreflect.Uint64Kind:
		dst.SetUint(val.Uint())
	case protoreflect.StringKind:
		dst.SetString(val.String())
	case protoreflect.BytesKind:
		dst.SetBytes(append([]byte(nil), val.Bytes()...))
	case protoreflect.MessageKind:
		return fromMessage(val.Message(), dst)
	default:
		return fmt.Errorf("field %s: unsupported kind %s", fd.Name(), fd.Kind())
	}
	return nil
}
