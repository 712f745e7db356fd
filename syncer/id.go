package syncer

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// Id identifies one synchronizer instance as seen by a peer. Assigned at
// Welcome time, never persisted.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
