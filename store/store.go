package store

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// A store is an ordered, fixed-layout table of typed fields backed by one
// byte buffer. The layout is frozen at construction; the content hash
// identifies the shape, so two stores with equal hashes can exchange field
// values by key.

// Key is derived from the field offset, so keys are monotonic in layout order.
type Key uint32

type Kind int

const (
	KindBool Kind = iota
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindBlob
	KindString
)

func (self Kind) String() string {
	switch self {
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindUint8:
		return "uint8"
	case KindInt16:
		return "int16"
	case KindUint16:
		return "uint16"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindBlob:
		return "blob"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(self))
	}
}

// FixedSize returns the value size in bytes, or 0 for variable-size kinds
// (blob, string), which require an explicit size in the field definition.
func (self Kind) FixedSize() int {
	switch self {
	case KindBool, KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

type FieldDef struct {
	Name string
	Kind Kind
	// Size is required for blob and string kinds, ignored otherwise.
	Size int
}

type Field struct {
	Name   string
	Key    Key
	Kind   Kind
	Offset int
	Size   int
}

type Store struct {
	name   string
	fields []*Field
	byKey  map[Key]*Field
	byName map[string]*Field
	buf    []byte
	hash   []byte

	hooks   hookTable
	journal *Journal
}

func NewStore(name string, defs []FieldDef) (*Store, error) {
	store := &Store{
		name:   name,
		byKey:  map[Key]*Field{},
		byName: map[string]*Field{},
	}

	offset := 0
	for _, def := range defs {
		size := def.Kind.FixedSize()
		if size == 0 {
			size = def.Size
		}
		if size <= 0 {
			return nil, fmt.Errorf("field %s: size required for kind %s", def.Name, def.Kind)
		}
		if _, ok := store.byName[def.Name]; ok {
			return nil, fmt.Errorf("duplicate field name: %s", def.Name)
		}
		field := &Field{
			Name:   def.Name,
			Key:    Key(offset),
			Kind:   def.Kind,
			Offset: offset,
			Size:   size,
		}
		store.fields = append(store.fields, field)
		store.byKey[field.Key] = field
		store.byName[field.Name] = field
		offset += size
	}

	store.buf = make([]byte, offset)
	store.hash = layoutHash(name, store.fields)
	store.journal = newJournal(store)
	return store, nil
}

func RequireNewStore(name string, defs []FieldDef) *Store {
	store, err := NewStore(name, defs)
	if err != nil {
		panic(err)
	}
	return store
}

// the canonical layout description that two stores must agree on to sync
func layoutHash(name string, fields []*Field) []byte {
	h := sha1.New()
	h.Write([]byte(name))
	for _, field := range fields {
		fmt.Fprintf(h, "/%s:%s@%d+%d", field.Name, field.Kind, field.Offset, field.Size)
	}
	return h.Sum(nil)
}

func (self *Store) Name() string {
	return self.name
}

func (self *Store) Hash() []byte {
	return self.hash
}

func (self *Store) Journal() *Journal {
	return self.journal
}

func (self *Store) Fields() []*Field {
	return self.fields
}

func (self *Store) FieldByKey(key Key) *Field {
	return self.byKey[key]
}

func (self *Store) FieldByName(name string) *Field {
	return self.byName[name]
}

// KeyWidth is the wire size of an encoded key, the smallest of 1, 2 or 4
// bytes that fits every key of this store.
func (self *Store) KeyWidth() int {
	if len(self.fields) == 0 {
		return 1
	}
	maxKey := self.fields[len(self.fields)-1].Key
	switch {
	case maxKey <= math.MaxUint8:
		return 1
	case maxKey <= math.MaxUint16:
		return 2
	default:
		return 4
	}
}

var ErrUnknownKey = errors.New("unknown key")
var ErrSizeMismatch = errors.New("value size mismatch")

// Get returns the raw value bytes of the field. The returned slice aliases
// the store buffer until the next write.
func (self *Store) Get(key Key) ([]byte, error) {
	field, ok := self.byKey[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	self.hooks.beforeRead(field)
	value := self.buf[field.Offset : field.Offset+field.Size]
	self.hooks.afterRead(field)
	return value, nil
}

// Set writes the raw value bytes of the field through the hook path. The
// journal records the change only if the value actually changed.
func (self *Store) Set(key Key, value []byte) error {
	field, ok := self.byKey[key]
	if !ok {
		return ErrUnknownKey
	}
	if len(value) != field.Size {
		return fmt.Errorf("%w: field %s is %d bytes, got %d", ErrSizeMismatch, field.Name, field.Size, len(value))
	}
	self.hooks.beforeWrite(field)
	target := self.buf[field.Offset : field.Offset+field.Size]
	changed := !bytes.Equal(target, value)
	copy(target, value)
	self.hooks.afterWrite(field, changed)
	if changed {
		self.hooks.changed(field)
	}
	return nil
}

func (self *Store) GetUint64(name string) (uint64, error) {
	field := self.byName[name]
	if field == nil {
		return 0, ErrUnknownKey
	}
	value, err := self.Get(field.Key)
	if err != nil {
		return 0, err
	}
	return decodeUint(value), nil
}

func (self *Store) SetUint64(name string, value uint64) error {
	field := self.byName[name]
	if field == nil {
		return ErrUnknownKey
	}
	encoded := make([]byte, field.Size)
	encodeUint(encoded, value)
	return self.Set(field.Key, encoded)
}

func (self *Store) GetFloat64(name string) (float64, error) {
	field := self.byName[name]
	if field == nil {
		return 0, ErrUnknownKey
	}
	value, err := self.Get(field.Key)
	if err != nil {
		return 0, err
	}
	switch field.Kind {
	case KindFloat32:
		return float64(math.Float32frombits(uint32(decodeUint(value)))), nil
	default:
		return math.Float64frombits(decodeUint(value)), nil
	}
}

func (self *Store) SetFloat64(name string, value float64) error {
	field := self.byName[name]
	if field == nil {
		return ErrUnknownKey
	}
	encoded := make([]byte, field.Size)
	switch field.Kind {
	case KindFloat32:
		encodeUint(encoded, uint64(math.Float32bits(float32(value))))
	default:
		encodeUint(encoded, math.Float64bits(value))
	}
	return self.Set(field.Key, encoded)
}

func (self *Store) GetString(name string) (string, error) {
	field := self.byName[name]
	if field == nil {
		return "", ErrUnknownKey
	}
	value, err := self.Get(field.Key)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(value), "\x00"), nil
}

func (self *Store) SetString(name string, value string) error {
	field := self.byName[name]
	if field == nil {
		return ErrUnknownKey
	}
	if field.Size < len(value) {
		return fmt.Errorf("%w: field %s is %d bytes, got %d", ErrSizeMismatch, field.Name, field.Size, len(value))
	}
	encoded := make([]byte, field.Size)
	copy(encoded, value)
	return self.Set(field.Key, encoded)
}

// the store buffer is little-endian
func decodeUint(value []byte) uint64 {
	var buf [8]byte
	copy(buf[:], value)
	return binary.LittleEndian.Uint64(buf[:])
}

func encodeUint(target []byte, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	copy(target, buf[:])
}
