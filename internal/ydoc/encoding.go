package ydoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const formatVersion byte = 1

// ErrCorruptUpdate is returned for updates that cannot be decoded.
var ErrCorruptUpdate = errors.New("ydoc: corrupt update")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
)

type wireState struct {
	Registers []Register `json:"r"`
}

func encodeRegisters(regs []Register) []byte {
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].Key < regs[j].Key
	})
	if regs == nil {
		regs = []Register{}
	}
	payload, err := json.Marshal(wireState{Registers: regs})
	if err != nil {
		// Values are already valid JSON, so marshalling cannot fail.
		panic(fmt.Sprintf("ydoc: encode state: %v", err))
	}
	return encoder.EncodeAll(payload, []byte{formatVersion})
}

func decodeRegisters(update []byte) ([]Register, error) {
	if len(update) == 0 {
		return nil, nil
	}
	if update[0] != formatVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrCorruptUpdate, update[0])
	}
	payload, err := decoder.DecodeAll(update[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	var state wireState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	for _, reg := range state.Registers {
		if reg.Key == "" {
			return nil, fmt.Errorf("%w: register without key", ErrCorruptUpdate)
		}
	}
	return state.Registers, nil
}
