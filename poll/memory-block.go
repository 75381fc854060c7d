package poll

import "fmt"

// MaxMemoryBlockSize is the upper bound on a single block's byte size.
const MaxMemoryBlockSize = 128

// MemoryBlockType describes one addressable register class of a
// protocol: its protocol-local index, display name, writability and
// byte size. Variadic types take their size per block instance.
type MemoryBlockType struct {
	Index    int
	Name     string
	ReadOnly bool
	Size     uint16
	Variadic bool
}

type linkageKind int

const (
	linkageNone linkageKind = iota
	linkageDevice
	linkageChannels
)

// blockBinding records one channel bound to a block together with the
// bit range it occupies.
type blockBinding struct {
	channel *VirtualRegister
	bind    BindInfo
}

// MemoryBlock is the smallest protocol-addressable unit: one coil, one
// holding register, one vendor parameter. Blocks are owned by the
// device's block arena and shared between the channels bound to them.
type MemoryBlock struct {
	Address uint32
	Type    MemoryBlockType
	Size    uint16

	kind     linkageKind
	device   *Device
	bindings []blockBinding
	cache    []byte
}

// NewMemoryBlock creates an unlinked block. For variadic types the size
// argument is the instance size; for fixed types it is ignored.
func NewMemoryBlock(address uint32, size uint16, t MemoryBlockType) (*MemoryBlock, error) {
	if !t.Variadic {
		size = t.Size
	} else if size == 0 {
		return nil, fmt.Errorf("%v memory block %d: variadic type needs explicit size", t.Name, address)
	}

	if size >= MaxMemoryBlockSize {
		return nil, fmt.Errorf("%v memory block %d: size %d exceeds maximum %d",
			t.Name, address, size, MaxMemoryBlockSize)
	}

	return &MemoryBlock{Address: address, Type: t, Size: size}, nil
}

// attachDevice switches the block to device-only linkage. Attaching the
// same kind again is a no-op and reports false.
func (b *MemoryBlock) attachDevice(d *Device) bool {
	if b.kind == linkageDevice {
		return false
	}
	if b.kind == linkageNone {
		b.kind = linkageDevice
		b.device = d
	}
	return b.kind == linkageDevice
}

// Associate binds a channel to the block. The first association
// switches the linkage to channel-set; later ones add to the set. A
// bind range intersecting an existing channel's range fails with
// ErrOverlap; a channel of a different type index or device is a
// configuration error.
func (b *MemoryBlock) Associate(ch *VirtualRegister, bind BindInfo) error {
	if bind.BitStart >= bind.BitEnd || bind.BitEnd > b.Size*8 {
		return fmt.Errorf("%v: bind range %v out of block bounds", b, bind)
	}

	if b.kind == linkageChannels {
		if ch.Device() != b.device {
			return fmt.Errorf("%v: channel %v belongs to a different device", b, ch.Name)
		}
		if ch.TypeIndex() != b.Type.Index {
			return fmt.Errorf("%v: channel %v has different register type", b, ch.Name)
		}
		for _, bound := range b.bindings {
			if bound.channel == ch {
				return nil
			}
			if bound.bind.Overlaps(bind) {
				return fmt.Errorf("%w: channels %v and %v claim intersecting bits %v and %v of %v",
					ErrOverlap, ch.Name, bound.channel.Name, bind, bound.bind, b)
			}
		}
	} else {
		b.kind = linkageChannels
		b.device = ch.Device()
	}

	b.bindings = append(b.bindings, blockBinding{ch, bind})
	return nil
}

// IsAssociated reports whether the channel is bound to this block.
func (b *MemoryBlock) IsAssociated(ch *VirtualRegister) bool {
	for _, bound := range b.bindings {
		if bound.channel == ch {
			return true
		}
	}
	return false
}

// Ready reports whether either kind of linkage has been attached.
func (b *MemoryBlock) Ready() bool {
	return b.kind != linkageNone
}

// Device returns the owning device.
func (b *MemoryBlock) Device() *Device {
	return b.device
}

// Channels returns the bound channels in association order.
func (b *MemoryBlock) Channels() []*VirtualRegister {
	out := make([]*VirtualRegister, 0, len(b.bindings))
	for _, bound := range b.bindings {
		out = append(out, bound.channel)
	}
	return out
}

// Bind returns the bit range a channel occupies in this block.
func (b *MemoryBlock) Bind(ch *VirtualRegister) (BindInfo, bool) {
	for _, bound := range b.bindings {
		if bound.channel == ch {
			return bound.bind, true
		}
	}
	return BindInfo{}, false
}

// NeedsCaching reports whether a writable channel covers the block only
// partially. Such a channel can issue a partial write, and the
// unaddressed bits must then come from a cached last-known image.
func (b *MemoryBlock) NeedsCaching() bool {
	if b.kind != linkageChannels || b.Type.ReadOnly {
		return false
	}
	for _, bound := range b.bindings {
		if !bound.channel.ReadOnly && !bound.bind.FullCoverage(b.Size) {
			return true
		}
	}
	return false
}

// AssignCache hands the block its slice of the device's pooled cache
// region. Assigning twice or assigning to a block that does not need
// caching is a programming error.
func (b *MemoryBlock) AssignCache(buf []byte) {
	if !b.NeedsCaching() || b.cache != nil || len(buf) != int(b.Size) {
		panic(fmt.Sprintf("bad cache assignment for %v", b))
	}
	b.cache = buf
}

// Cache returns the cached wire image, or nil when the block does not
// need caching.
func (b *MemoryBlock) Cache() []byte {
	return b.cache
}

// less orders blocks by (type index, address) so sorted collections
// naturally group by type first. This is the order the query factory
// iterates in.
func (b *MemoryBlock) less(o *MemoryBlock) bool {
	if b.Type.Index != o.Type.Index {
		return b.Type.Index < o.Type.Index
	}
	return b.Address < o.Address
}

// equal follows the identity rule: same type index, address and owning
// device.
func (b *MemoryBlock) equal(o *MemoryBlock) bool {
	if b == o {
		return true
	}
	return b.Type.Index == o.Type.Index && b.Address == o.Address && b.device == o.device
}

func (b *MemoryBlock) String() string {
	if b.device != nil {
		return fmt.Sprintf("%v memory block %d of device %v", b.Type.Name, b.Address, b.device.Config.Name)
	}
	return fmt.Sprintf("%v memory block %d", b.Type.Name, b.Address)
}
