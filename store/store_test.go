package store

import (
	"bytes"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testDefs() []FieldDef {
	return []FieldDef{
		{Name: "t", Kind: KindUint32},
		{Name: "rpm", Kind: KindFloat32},
		{Name: "enable", Kind: KindBool},
		{Name: "name", Kind: KindString, Size: 8},
	}
}

func TestStoreLayout(t *testing.T) {
	store := RequireNewStore("motor", testDefs())

	fields := store.Fields()
	assert.Equal(t, 4, len(fields))

	// keys are offsets, monotonic in layout order
	offset := 0
	for _, field := range fields {
		assert.Equal(t, Key(offset), field.Key)
		assert.Equal(t, offset, field.Offset)
		offset += field.Size
	}
	assert.Equal(t, 4+4+1+8, offset)
	assert.Equal(t, 1, store.KeyWidth())

	assert.Equal(t, store.FieldByName("rpm"), store.FieldByKey(Key(4)))
	assert.Equal(t, (*Field)(nil), store.FieldByKey(Key(99)))
}

func TestStoreHashIdentifiesShape(t *testing.T) {
	a := RequireNewStore("motor", testDefs())
	b := RequireNewStore("motor", testDefs())
	assert.Equal(t, true, bytes.Equal(a.Hash(), b.Hash()))

	// same fields, different store name
	c := RequireNewStore("pump", testDefs())
	assert.Equal(t, false, bytes.Equal(a.Hash(), c.Hash()))

	// same name, different layout
	d := RequireNewStore("motor", testDefs()[:3])
	assert.Equal(t, false, bytes.Equal(a.Hash(), d.Hash()))
}

func TestStoreGetSet(t *testing.T) {
	store := RequireNewStore("motor", testDefs())

	err := store.SetUint64("t", 12345)
	assert.Equal(t, err, nil)
	value, err := store.GetUint64("t")
	assert.Equal(t, err, nil)
	assert.Equal(t, uint64(12345), value)

	err = store.SetFloat64("rpm", 1500.5)
	assert.Equal(t, err, nil)
	rpm, err := store.GetFloat64("rpm")
	assert.Equal(t, err, nil)
	assert.Equal(t, 1500.5, rpm)

	err = store.SetString("name", "m0")
	assert.Equal(t, err, nil)
	name, err := store.GetString("name")
	assert.Equal(t, err, nil)
	assert.Equal(t, "m0", name)

	// raw access by key
	key := store.FieldByName("enable").Key
	err = store.Set(key, []byte{1})
	assert.Equal(t, err, nil)
	raw, err := store.Get(key)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte{1}, raw)

	err = store.Set(key, []byte{1, 2})
	assert.NotEqual(t, err, nil)
	err = store.Set(Key(99), []byte{1})
	assert.Equal(t, err, ErrUnknownKey)
}

func TestStoreHooks(t *testing.T) {
	store := RequireNewStore("motor", testDefs())
	key := store.FieldByName("t").Key

	events := []string{}
	store.HookBeforeWrite(key, func(field *Field) {
		events = append(events, "before "+field.Name)
	})
	store.HookAfterWrite(key, func(field *Field, changed bool) {
		if changed {
			events = append(events, "after changed")
		} else {
			events = append(events, "after same")
		}
	})
	changedAll := 0
	store.HookChanged(AnyKey, func(field *Field) {
		changedAll += 1
	})

	store.SetUint64("t", 1)
	assert.Equal(t, []string{"before t", "after changed"}, events)
	assert.Equal(t, 1, changedAll)

	// writing the same value is not a change
	events = nil
	store.SetUint64("t", 1)
	assert.Equal(t, []string{"before t", "after same"}, events)
	assert.Equal(t, 1, changedAll)

	// other fields only trigger the any-key hook
	store.SetUint64("rpm", 0x3f800000)
	assert.Equal(t, 2, changedAll)
}
