package codec

import (
	"fmt"
	"reflect"
	"sort"
)

// Marshal encodes v into the canonical binary form.
//
// Types implementing Marshaler control their own encoding; everything else
// is encoded by reflection: struct fields in declaration order, pointers as
// optional values, slices as length-prefixed sequences, fixed-size arrays
// as their elements with no length prefix, and
// map[string]T as a length followed by key/value pairs in sorted key order
// so the output is deterministic.
func Marshal(v interface{}) ([]byte, error) {
	w := NewWriter()
	if err := MarshalTo(w, v); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// MarshalTo encodes v into an existing writer.
func MarshalTo(w *Writer, v interface{}) error {
	if m, ok := v.(Marshaler); ok {
		return m.MarshalWire(w)
	}
	return encodeValue(w, reflect.ValueOf(v))
}

// Unmarshal decodes data into the value pointed to by v. Trailing bytes are
// not an error; callers that need the consumed length use UnmarshalFrom.
func Unmarshal(data []byte, v interface{}) error {
	r := NewReader(data)
	return UnmarshalFrom(r, v)
}

// UnmarshalFrom decodes the next value from r into the value pointed to by v.
func UnmarshalFrom(r *Reader, v interface{}) error {
	if u, ok := v.(Unmarshaler); ok {
		return u.UnmarshalWire(r)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("codec: Unmarshal target must be a non-nil pointer, got %T", v)
	}
	return decodeValue(r, rv.Elem())
}

var (
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
)

func encodeValue(w *Writer, v reflect.Value) error {
	if v.Kind() != reflect.Pointer && v.CanAddr() && v.Addr().Type().Implements(marshalerType) {
		return v.Addr().Interface().(Marshaler).MarshalWire(w)
	}
	if v.Type().Implements(marshalerType) {
		return v.Interface().(Marshaler).MarshalWire(w)
	}

	switch v.Kind() {
	case reflect.Bool:
		w.WriteBool(v.Bool())
	case reflect.Uint8:
		w.WriteU8(byte(v.Uint()))
	case reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		w.WriteUint(v.Uint())
	case reflect.Int8:
		w.WriteU8(byte(int8(v.Int())))
	case reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		w.WriteInt(v.Int())
	case reflect.Float32:
		w.WriteF32(float32(v.Float()))
	case reflect.Float64:
		w.WriteF64(v.Float())
	case reflect.String:
		w.WriteString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			w.WriteBytes(v.Bytes())
			return nil
		}
		w.WriteLen(v.Len())
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(w, v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(w, v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Pointer:
		if v.IsNil() {
			w.WriteOption(false)
			return nil
		}
		w.WriteOption(true)
		return encodeValue(w, v.Elem())
	case reflect.Map:
		return encodeMap(w, v)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("codec") == "-" {
				continue
			}
			if err := encodeValue(w, v.Field(i)); err != nil {
				return fmt.Errorf("field %s.%s: %w", t.Name(), f.Name, err)
			}
		}
	default:
		return fmt.Errorf("codec: unsupported kind %s", v.Kind())
	}
	return nil
}

func encodeMap(w *Writer, v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("codec: only string-keyed maps are supported, got %s", v.Type())
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	w.WriteLen(len(keys))
	for _, k := range keys {
		w.WriteString(k)
		if err := encodeValue(w, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
			return err
		}
	}
	return nil
}

func decodeValue(r *Reader, v reflect.Value) error {
	if v.CanAddr() && v.Addr().Type().Implements(unmarshalerType) {
		return v.Addr().Interface().(Unmarshaler).UnmarshalWire(r)
	}

	switch v.Kind() {
	case reflect.Bool:
		b, err := r.ReadBool()
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Uint8:
		b, err := r.ReadU8()
		if err != nil {
			return err
		}
		v.SetUint(uint64(b))
	case reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		u, err := r.ReadUint()
		if err != nil {
			return err
		}
		if v.OverflowUint(u) {
			return fmt.Errorf("codec: value %d overflows %s", u, v.Type())
		}
		v.SetUint(u)
	case reflect.Int8:
		b, err := r.ReadU8()
		if err != nil {
			return err
		}
		v.SetInt(int64(int8(b)))
	case reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		i, err := r.ReadInt()
		if err != nil {
			return err
		}
		if v.OverflowInt(i) {
			return fmt.Errorf("codec: value %d overflows %s", i, v.Type())
		}
		v.SetInt(i)
	case reflect.Float32:
		f, err := r.ReadF32()
		if err != nil {
			return err
		}
		v.SetFloat(float64(f))
	case reflect.Float64:
		f, err := r.ReadF64()
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.String:
		s, err := r.ReadString()
		if err != nil {
			return err
		}
		v.SetString(s)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.ReadBytes()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		n, err := r.ReadLen()
		if err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), n, n)
		for i := 0; i < n; i++ {
			if err := decodeValue(r, s.Index(i)); err != nil {
				return err
			}
		}
		v.Set(s)
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := decodeValue(r, v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Pointer:
		present, err := r.ReadOption()
		if err != nil {
			return err
		}
		if !present {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		p := reflect.New(v.Type().Elem())
		if err := decodeValue(r, p.Elem()); err != nil {
			return err
		}
		v.Set(p)
	case reflect.Map:
		return decodeMap(r, v)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("codec") == "-" {
				continue
			}
			if err := decodeValue(r, v.Field(i)); err != nil {
				return fmt.Errorf("field %s.%s: %w", t.Name(), f.Name, err)
			}
		}
	default:
		return fmt.Errorf("codec: unsupported kind %s", v.Kind())
	}
	return nil
}

func decodeMap(r *Reader, v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("codec: only string-keyed maps are supported, got %s", v.Type())
	}
	n, err := r.ReadLen()
	if err != nil {
		return err
	}
	m := reflect.MakeMapWithSize(v.Type(), n)
	for i := 0; i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return err
		}
		val := reflect.New(v.Type().Elem()).Elem()
		if err := decodeValue(r, val); err != nil {
			return err
		}
		m.SetMapIndex(reflect.ValueOf(k).Convert(v.Type().Key()), val)
	}
	v.Set(m)
	return nil
}
