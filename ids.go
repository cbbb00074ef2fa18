package casewire

import (
	"errors"

	"github.com/oklog/ulid/v2"
)

// comparable
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

func IdFromString(idStr string) (Id, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
