package poll

import (
	"fmt"
	"sort"
	"sync"
)

// ProtocolInfo exposes the per-protocol limits and type classification
// the query factory plans against.
type ProtocolInfo interface {
	MaxReadRegisters() int
	MaxReadBits() int
	MaxWriteRegisters() int
	MaxWriteBits() int
	IsSingleBitType(t MemoryBlockType) bool
}

// Protocol is the plug-in contract a concrete protocol implements: a
// stable name, the register-type table, and the planning limits.
// Framing and transport live entirely inside the plug-in's drivers.
type Protocol interface {
	Name() string
	BlockType(index int) (MemoryBlockType, error)
	BlockTypeByName(name string) (MemoryBlockType, error)
	Info() ProtocolInfo
}

// TypeTable is a ready-made Protocol implementation backed by a static
// slice of block types.
type TypeTable struct {
	ProtocolName string
	Types        []MemoryBlockType
	Limits       ProtocolInfo
}

// Name returns the protocol name.
func (t *TypeTable) Name() string { return t.ProtocolName }

// BlockType looks a type up by protocol-local index.
func (t *TypeTable) BlockType(index int) (MemoryBlockType, error) {
	for _, bt := range t.Types {
		if bt.Index == index {
			return bt, nil
		}
	}
	return MemoryBlockType{}, fmt.Errorf("%w: index %d in protocol %v",
		ErrUnknownRegisterType, index, t.ProtocolName)
}

// BlockTypeByName looks a type up by name.
func (t *TypeTable) BlockTypeByName(name string) (MemoryBlockType, error) {
	for _, bt := range t.Types {
		if bt.Name == name {
			return bt, nil
		}
	}
	return MemoryBlockType{}, fmt.Errorf("%w: %q in protocol %v",
		ErrUnknownRegisterType, name, t.ProtocolName)
}

// Info returns the planning limits.
func (t *TypeTable) Info() ProtocolInfo { return t.Limits }

var (
	protocolsMu sync.Mutex
	protocols   = map[string]Protocol{}
)

// RegisterProtocol adds a protocol to the global registry. Plug-ins
// call this from init.
func RegisterProtocol(p Protocol) {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()
	protocols[p.Name()] = p
}

// LookupProtocol finds a registered protocol by name.
func LookupProtocol(name string) (Protocol, error) {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()
	p, ok := protocols[name]
	if !ok {
		return nil, fmt.Errorf("protocol %q is not registered", name)
	}
	return p, nil
}

// Protocols returns the registered protocol names, sorted.
func Protocols() []string {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()
	names := make([]string, 0, len(protocols))
	for name := range protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
