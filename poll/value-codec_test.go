package poll

import (
	"bytes"
	"testing"
)

func TestExtractDepositBits(t *testing.T) {
	buf := []byte{0x5a, 0xa3}

	if v := extractBits(buf, 0, 8); v != 0x5a {
		t.Errorf("high byte: expected 0x5a, got %#x", v)
	}
	if v := extractBits(buf, 8, 16); v != 0xa3 {
		t.Errorf("low byte: expected 0xa3, got %#x", v)
	}
	if v := extractBits(buf, 0, 16); v != 0x5aa3 {
		t.Errorf("full: expected 0x5aa3, got %#x", v)
	}
	if v := extractBits(buf, 4, 12); v != 0xaa {
		t.Errorf("middle: expected 0xaa, got %#x", v)
	}

	out := []byte{0x00, 0xa3}
	depositBits(out, 0, 8, 0x5a)
	if !bytes.Equal(out, []byte{0x5a, 0xa3}) {
		t.Errorf("partial deposit clobbered neighbours: % x", out)
	}

	depositBits(out, 4, 12, 0xff)
	if !bytes.Equal(out, []byte{0x5f, 0xf3}) {
		t.Errorf("middle deposit: expected 5f f3, got % x", out)
	}
}

func TestSwapWords(t *testing.T) {
	if v := swapWords(0xaabbccdd, 32); v != 0xccddaabb {
		t.Errorf("expected 0xccddaabb, got %#x", v)
	}
	if v := swapWords(swapWords(0x1122334455667788, 64), 64); v != 0x1122334455667788 {
		t.Error("swap is not an involution")
	}
	if v := swapWords(0x1234, 16); v != 0x1234 {
		t.Errorf("single word must not change, got %#x", v)
	}
}

// gather/scatter across two 16-bit blocks, both word orders.
func TestGatherWordOrder(t *testing.T) {
	holding := MemoryBlockType{Index: testTypeHolding, Name: "holding", Size: 2}

	b200, err := NewMemoryBlock(200, 0, holding)
	if err != nil {
		t.Fatal(err)
	}
	b201, err := NewMemoryBlock(201, 0, holding)
	if err != nil {
		t.Fatal(err)
	}

	binds := []blockBind{
		{b200, BindInfo{0, 16}},
		{b201, BindInfo{0, 16}},
	}

	images := map[*MemoryBlock][]byte{
		b200: {0xaa, 0xbb},
		b201: {0xcc, 0xdd},
	}
	view := func(b *MemoryBlock) []byte { return images[b] }

	if v := gatherValue(binds, view, BigEndian, 32); v != 0xaabbccdd {
		t.Errorf("big endian: expected 0xaabbccdd, got %#x", v)
	}
	if v := gatherValue(binds, view, LittleEndian, 32); v != 0xccddaabb {
		t.Errorf("little endian: expected 0xccddaabb, got %#x", v)
	}

	// scatter back and compare images
	out := map[*MemoryBlock][]byte{
		b200: make([]byte, 2),
		b201: make([]byte, 2),
	}
	outView := func(b *MemoryBlock) []byte { return out[b] }

	scatterValue(0xccddaabb, binds, outView, LittleEndian, 32)
	if !bytes.Equal(out[b200], []byte{0xaa, 0xbb}) || !bytes.Equal(out[b201], []byte{0xcc, 0xdd}) {
		t.Errorf("little endian scatter: got % x % x", out[b200], out[b201])
	}

	scatterValue(0xaabbccdd, binds, outView, BigEndian, 32)
	if !bytes.Equal(out[b200], []byte{0xaa, 0xbb}) || !bytes.Equal(out[b201], []byte{0xcc, 0xdd}) {
		t.Errorf("big endian scatter: got % x % x", out[b200], out[b201])
	}
}

func TestMemoryBlockSizeLimit(t *testing.T) {
	variadic := MemoryBlockType{Index: 9, Name: "blob", Size: 0, Variadic: true}

	if _, err := NewMemoryBlock(1, MaxMemoryBlockSize, variadic); err == nil {
		t.Error("expected size limit error")
	}
	if _, err := NewMemoryBlock(1, 0, variadic); err == nil {
		t.Error("expected explicit size requirement for variadic type")
	}
	if _, err := NewMemoryBlock(1, 16, variadic); err != nil {
		t.Errorf("16-byte variadic block should work: %v", err)
	}
}
