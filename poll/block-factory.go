package poll

import "fmt"

// makeMemoryBlocks synthesizes the ordered set of memory blocks
// covering a channel's bit range, reusing any block the device already
// has at the same address. The channel occupies bits
// [BitOffset, BitOffset+width) relative to its first block; block
// boundaries advance by size*8 bits in address order. Word order never
// changes the block layout, only how the codec reassembles values.
func makeMemoryBlocks(ch *VirtualRegister, dev *Device) ([]blockBind, error) {
	t, err := dev.Protocol().BlockType(ch.TypeIndex())
	if err != nil {
		return nil, err
	}

	size := t.Size
	if t.Variadic {
		size = ch.BlockSize
		if size == 0 {
			return nil, fmt.Errorf("channel %v: variadic type %v needs an explicit block size",
				ch.Name, t.Name)
		}
	}

	bitsPerBlock := uint32(size) * 8
	start := uint32(ch.BitOffset)
	end := start + uint32(ch.Width())

	var binds []blockBind
	for i := start / bitsPerBlock; i*bitsPerBlock < end; i++ {
		block, err := dev.EnsureBlock(t, ch.StartAddress+i, size)
		if err != nil {
			return nil, err
		}

		bindStart := uint16(0)
		if start > i*bitsPerBlock {
			bindStart = uint16(start - i*bitsPerBlock)
		}
		bindEnd := uint16(bitsPerBlock)
		if end < (i+1)*bitsPerBlock {
			bindEnd = uint16(end - i*bitsPerBlock)
		}

		binds = append(binds, blockBind{block, BindInfo{bindStart, bindEnd}})
	}

	return binds, nil
}
