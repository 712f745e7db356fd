package syncer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/DEMCON/libstored-sub002/store"
)

// Wire format of the synchronization frames. One type byte, then:
//
//	Hello   = 'h' flags keyWidth hash
//	Welcome = 'w' flags id(16) pairs
//	Update  = 'u' pairs
//
// A pair is {flag byte (bit0 marks the final pair), key in the store's
// fixed key width big-endian, uvarint value size, raw value bytes}. Values
// travel in the sender's native buffer order; the endianness flag
// exchanged at Hello/Welcome time tells the receiver whether to swap.

const (
	frameHello   = byte('h')
	frameWelcome = byte('w')
	frameUpdate  = byte('u')
)

const flagLittleEndian = byte(0x01)

const pairFinal = byte(0x01)

// the store buffer is little-endian on this implementation
const localLittleEndian = true

type helloFrame struct {
	littleEndian bool
	keyWidth     int
	hash         []byte
}

func encodeHello(st *store.Store) []byte {
	frame := []byte{frameHello, flagLittleEndian, byte(st.KeyWidth())}
	return append(frame, st.Hash()...)
}

func decodeHello(p []byte) (helloFrame, error) {
	if len(p) < 3 {
		return helloFrame{}, fmt.Errorf("hello frame too short: %d", len(p))
	}
	return helloFrame{
		littleEndian: p[1]&flagLittleEndian != 0,
		keyWidth:     int(p[2]),
		hash:         p[3:],
	}, nil
}

func encodeWelcome(st *store.Store, id Id) []byte {
	frame := []byte{frameWelcome, flagLittleEndian}
	frame = append(frame, id.Bytes()...)
	keys := make([]store.Key, 0, len(st.Fields()))
	for _, field := range st.Fields() {
		keys = append(keys, field.Key)
	}
	return appendPairs(frame, st, keys)
}

type welcomeFrame struct {
	littleEndian bool
	id           Id
	pairs        []byte
}

func decodeWelcome(p []byte) (welcomeFrame, error) {
	if len(p) < 2+16 {
		return welcomeFrame{}, fmt.Errorf("welcome frame too short: %d", len(p))
	}
	id, err := IdFromBytes(p[2 : 2+16])
	if err != nil {
		return welcomeFrame{}, err
	}
	return welcomeFrame{
		littleEndian: p[1]&flagLittleEndian != 0,
		id:           id,
		pairs:        p[2+16:],
	}, nil
}

func encodeUpdate(st *store.Store, keys []store.Key) []byte {
	return appendPairs([]byte{frameUpdate}, st, keys)
}

func appendPairs(frame []byte, st *store.Store, keys []store.Key) []byte {
	keyWidth := st.KeyWidth()
	for i, key := range keys {
		flag := byte(0)
		if i == len(keys)-1 {
			flag = pairFinal
		}
		frame = append(frame, flag)
		frame = appendKey(frame, key, keyWidth)
		value, err := st.Get(key)
		if err != nil {
			// keys come from the local layout, this cannot miss
			panic(err)
		}
		frame = binary.AppendUvarint(frame, uint64(len(value)))
		frame = append(frame, value...)
	}
	return frame
}

func appendKey(frame []byte, key store.Key, keyWidth int) []byte {
	switch keyWidth {
	case 1:
		return append(frame, byte(key))
	case 2:
		return binary.BigEndian.AppendUint16(frame, uint16(key))
	default:
		return binary.BigEndian.AppendUint32(frame, uint32(key))
	}
}

// applyPairs writes decoded pairs into the store through the normal hook
// path. An unknown or mismatched key skips that pair only; the rest of
// the frame still applies. Partial application on a malformed tail is
// accepted, frames arrive checksum-verified. A non-nil skip filters pairs
// the receiver keeps its own value for.
func applyPairs(st *store.Store, pairs []byte, swapEndian bool, skip func(key store.Key) bool, applied func(key store.Key)) error {
	keyWidth := st.KeyWidth()
	buf := bytes.NewReader(pairs)
	for 0 < buf.Len() {
		flag, err := buf.ReadByte()
		if err != nil {
			return err
		}
		key, err := readKey(buf, keyWidth)
		if err != nil {
			return err
		}
		size, err := binary.ReadUvarint(buf)
		if err != nil {
			return err
		}
		if uint64(buf.Len()) < size {
			// never allocate on a declared length the frame cannot hold
			return fmt.Errorf("pair value truncated: %d declared, %d remaining", size, buf.Len())
		}
		value := make([]byte, size)
		if _, err := io.ReadFull(buf, value); err != nil {
			return err
		}

		field := st.FieldByKey(key)
		if field == nil || field.Size != len(value) {
			glog.V(1).Infof("[syncer]skip unknown key %d (%d bytes)\n", key, size)
		} else if skip != nil && skip(key) {
			// the local value wins
		} else {
			if swapEndian {
				swapValue(field.Kind, value)
			}
			if err := st.Set(key, value); err != nil {
				return err
			}
			if applied != nil {
				applied(key)
			}
		}

		if flag&pairFinal != 0 {
			break
		}
	}
	return nil
}

func readKey(buf *bytes.Reader, keyWidth int) (store.Key, error) {
	var raw [4]byte
	if _, err := io.ReadFull(buf, raw[:keyWidth]); err != nil {
		return 0, err
	}
	switch keyWidth {
	case 1:
		return store.Key(raw[0]), nil
	case 2:
		return store.Key(binary.BigEndian.Uint16(raw[:2])), nil
	default:
		return store.Key(binary.BigEndian.Uint32(raw[:4])), nil
	}
}

// multi-byte numeric values swap in place; blobs and strings are opaque
func swapValue(kind store.Kind, value []byte) {
	switch kind {
	case store.KindBlob, store.KindString:
		return
	}
	for i, j := 0, len(value)-1; i < j; i, j = i+1, j-1 {
		value[i], value[j] = value[j], value[i]
	}
}
