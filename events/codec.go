package events

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/c360/eventbroker/errors"
)

// Encoding selects the wire form of a payload.
type Encoding int

const (
	// EncodingLegacy is the flat-field form: fields serialized in struct
	// declaration order with fixed-width integers and NUL-terminated strings.
	EncodingLegacy Encoding = iota
	// EncodingProto is the protobuf wire form, driven by the `pb` field tags.
	EncodingProto
)

func (e Encoding) String() string {
	if e == EncodingProto {
		return "protobuf"
	}
	return "legacy"
}

// fieldSpec describes one serializable struct field.
type fieldSpec struct {
	index []int
	num   protowire.Number
	kind  reflect.Kind
}

// structSpec is the codec table of one payload struct, built once at
// registration time.
type structSpec struct {
	goType reflect.Type
	fields []fieldSpec                     // declaration order, for the legacy form
	byNum  map[protowire.Number]*fieldSpec // for protobuf decoding
}

func buildSpec(goType reflect.Type) (*structSpec, error) {
	if goType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("event payload must be a struct, got %s", goType.Kind())
	}
	spec := &structSpec{
		goType: goType,
		byNum:  make(map[protowire.Number]*fieldSpec),
	}
	for i := 0; i < goType.NumField(); i++ {
		f := goType.Field(i)
		tag := f.Tag.Get("pb")
		if tag == "" || tag == "-" {
			continue
		}
		n, err := strconv.Atoi(tag)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("field %s.%s: bad pb tag %q", goType.Name(), f.Name, tag)
		}
		switch f.Type.Kind() {
		case reflect.Bool, reflect.Int32, reflect.Uint32, reflect.Int64, reflect.Uint64,
			reflect.Float64, reflect.String:
		case reflect.Slice:
			if f.Type.Elem().Kind() != reflect.Uint64 {
				return nil, fmt.Errorf("field %s.%s: only []uint64 slices are supported", goType.Name(), f.Name)
			}
		default:
			return nil, fmt.Errorf("field %s.%s: unsupported kind %s", goType.Name(), f.Name, f.Type.Kind())
		}
		fs := fieldSpec{index: f.Index, num: protowire.Number(n), kind: f.Type.Kind()}
		if _, dup := spec.byNum[fs.num]; dup {
			return nil, fmt.Errorf("field %s.%s: duplicate pb number %d", goType.Name(), f.Name, n)
		}
		spec.fields = append(spec.fields, fs)
		spec.byNum[fs.num] = nil // reserved; pointers filled once the slice is final
	}
	for i := range spec.fields {
		spec.byNum[spec.fields[i].num] = &spec.fields[i]
	}
	return spec, nil
}

// marshalLegacy serializes the payload fields in declaration order.
func (s *structSpec) marshalLegacy(ev Event) ([]byte, error) {
	v := reflect.ValueOf(ev).Elem()
	var buf bytes.Buffer
	var scratch [8]byte
	for i := range s.fields {
		f := &s.fields[i]
		fv := v.FieldByIndex(f.index)
		switch f.kind {
		case reflect.Bool:
			b := byte(0)
			if fv.Bool() {
				b = 1
			}
			buf.WriteByte(b)
		case reflect.Int32:
			binary.BigEndian.PutUint32(scratch[:4], uint32(fv.Int()))
			buf.Write(scratch[:4])
		case reflect.Uint32:
			binary.BigEndian.PutUint32(scratch[:4], uint32(fv.Uint()))
			buf.Write(scratch[:4])
		case reflect.Int64:
			binary.BigEndian.PutUint64(scratch[:8], uint64(fv.Int()))
			buf.Write(scratch[:8])
		case reflect.Uint64:
			binary.BigEndian.PutUint64(scratch[:8], fv.Uint())
			buf.Write(scratch[:8])
		case reflect.Float64:
			binary.BigEndian.PutUint64(scratch[:8], math.Float64bits(fv.Float()))
			buf.Write(scratch[:8])
		case reflect.String:
			buf.WriteString(fv.String())
			buf.WriteByte(0)
		case reflect.Slice:
			binary.BigEndian.PutUint32(scratch[:4], uint32(fv.Len()))
			buf.Write(scratch[:4])
			for j := 0; j < fv.Len(); j++ {
				binary.BigEndian.PutUint64(scratch[:8], fv.Index(j).Uint())
				buf.Write(scratch[:8])
			}
		}
	}
	return buf.Bytes(), nil
}

// unmarshalLegacy fills the payload fields from a legacy-form buffer.
func (s *structSpec) unmarshalLegacy(data []byte, ev Event) error {
	v := reflect.ValueOf(ev).Elem()
	pos := 0
	need := func(n int) error {
		if pos+n > len(data) {
			return errors.ErrTruncatedFrame
		}
		return nil
	}
	for i := range s.fields {
		f := &s.fields[i]
		fv := v.FieldByIndex(f.index)
		switch f.kind {
		case reflect.Bool:
			if err := need(1); err != nil {
				return err
			}
			fv.SetBool(data[pos] != 0)
			pos++
		case reflect.Int32:
			if err := need(4); err != nil {
				return err
			}
			fv.SetInt(int64(int32(binary.BigEndian.Uint32(data[pos:]))))
			pos += 4
		case reflect.Uint32:
			if err := need(4); err != nil {
				return err
			}
			fv.SetUint(uint64(binary.BigEndian.Uint32(data[pos:])))
			pos += 4
		case reflect.Int64:
			if err := need(8); err != nil {
				return err
			}
			fv.SetInt(int64(binary.BigEndian.Uint64(data[pos:])))
			pos += 8
		case reflect.Uint64:
			if err := need(8); err != nil {
				return err
			}
			fv.SetUint(binary.BigEndian.Uint64(data[pos:]))
			pos += 8
		case reflect.Float64:
			if err := need(8); err != nil {
				return err
			}
			fv.SetFloat(math.Float64frombits(binary.BigEndian.Uint64(data[pos:])))
			pos += 8
		case reflect.String:
			end := bytes.IndexByte(data[pos:], 0)
			if end < 0 {
				return errors.ErrTruncatedFrame
			}
			fv.SetString(string(data[pos : pos+end]))
			pos += end + 1
		case reflect.Slice:
			if err := need(4); err != nil {
				return err
			}
			count := int(binary.BigEndian.Uint32(data[pos:]))
			pos += 4
			if err := need(count * 8); err != nil {
				return err
			}
			slice := reflect.MakeSlice(fv.Type(), count, count)
			for j := 0; j < count; j++ {
				slice.Index(j).SetUint(binary.BigEndian.Uint64(data[pos:]))
				pos += 8
			}
			fv.Set(slice)
		}
	}
	return nil
}

// marshalProto serializes the payload as protobuf wire format. Zero values
// are omitted, matching standard proto3 semantics.
func (s *structSpec) marshalProto(ev Event) ([]byte, error) {
	v := reflect.ValueOf(ev).Elem()
	var buf []byte
	for i := range s.fields {
		f := &s.fields[i]
		fv := v.FieldByIndex(f.index)
		switch f.kind {
		case reflect.Bool:
			if fv.Bool() {
				buf = protowire.AppendTag(buf, f.num, protowire.VarintType)
				buf = protowire.AppendVarint(buf, 1)
			}
		case reflect.Int32, reflect.Int64:
			if n := fv.Int(); n != 0 {
				buf = protowire.AppendTag(buf, f.num, protowire.VarintType)
				buf = protowire.AppendVarint(buf, uint64(n))
			}
		case reflect.Uint32, reflect.Uint64:
			if n := fv.Uint(); n != 0 {
				buf = protowire.AppendTag(buf, f.num, protowire.VarintType)
				buf = protowire.AppendVarint(buf, n)
			}
		case reflect.Float64:
			if x := fv.Float(); x != 0 {
				buf = protowire.AppendTag(buf, f.num, protowire.Fixed64Type)
				buf = protowire.AppendFixed64(buf, math.Float64bits(x))
			}
		case reflect.String:
			if str := fv.String(); str != "" {
				buf = protowire.AppendTag(buf, f.num, protowire.BytesType)
				buf = protowire.AppendString(buf, str)
			}
		case reflect.Slice:
			if fv.Len() > 0 {
				var packed []byte
				for j := 0; j < fv.Len(); j++ {
					packed = protowire.AppendVarint(packed, fv.Index(j).Uint())
				}
				buf = protowire.AppendTag(buf, f.num, protowire.BytesType)
				buf = protowire.AppendBytes(buf, packed)
			}
		}
	}
	return buf, nil
}

// unmarshalProto fills the payload fields from a protobuf wire buffer.
// Unknown field numbers are skipped for forward compatibility.
func (s *structSpec) unmarshalProto(data []byte, ev Event) error {
	v := reflect.ValueOf(ev).Elem()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.ErrInvalidData
		}
		data = data[n:]

		f, known := s.byNum[num]
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.ErrInvalidData
			}
			data = data[n:]
			continue
		}

		fv := v.FieldByIndex(f.index)
		switch typ {
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.ErrInvalidData
			}
			data = data[n:]
			switch f.kind {
			case reflect.Bool:
				fv.SetBool(val != 0)
			case reflect.Int32, reflect.Int64:
				fv.SetInt(int64(val))
			case reflect.Uint32, reflect.Uint64:
				fv.SetUint(val)
			default:
				return errors.ErrInvalidData
			}
		case protowire.Fixed64Type:
			val, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return errors.ErrInvalidData
			}
			data = data[n:]
			if f.kind != reflect.Float64 {
				return errors.ErrInvalidData
			}
			fv.SetFloat(math.Float64frombits(val))
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.ErrInvalidData
			}
			data = data[n:]
			switch f.kind {
			case reflect.String:
				fv.SetString(string(val))
			case reflect.Slice:
				slice := reflect.MakeSlice(fv.Type(), 0, 4)
				for len(val) > 0 {
					x, n := protowire.ConsumeVarint(val)
					if n < 0 {
						return errors.ErrInvalidData
					}
					val = val[n:]
					slice = reflect.Append(slice, reflect.ValueOf(x))
				}
				fv.Set(slice)
			default:
				return errors.ErrInvalidData
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.ErrInvalidData
			}
			data = data[n:]
		}
	}
	return nil
}
