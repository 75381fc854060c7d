package poll

import (
	"testing"
	"time"
)

// fakeDriver is an in-memory device: reads and writes hit a byte map
// keyed like the block arena. Disconnects are simulated by flipping
// the connected flag.
type fakeDriver struct {
	memory    map[blockKey][]byte
	connected bool
	reads     int
	writes    int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		memory:    map[blockKey][]byte{},
		connected: true,
	}
}

// setBlock seeds device memory for one block.
func (d *fakeDriver) setBlock(typeIndex int, address uint32, data []byte) {
	d.memory[blockKey{typeIndex, address}] = data
}

func (d *fakeDriver) Read(q *Query) {
	d.reads++
	if !d.connected {
		q.SetStatus(StatusDeviceDisconnected)
		return
	}

	image := make([]byte, int(q.Count())*int(q.BlockSize()))
	for i := uint32(0); i < q.Count(); i++ {
		if data, ok := d.memory[blockKey{q.Type().Index, q.Start() + i}]; ok {
			copy(image[int(i)*int(q.BlockSize()):], data)
		}
	}

	if err := q.FinalizeRead(image); err != nil {
		q.SetStatus(StatusUnknownError)
	}
}

func (d *fakeDriver) Write(q *ValueQuery) {
	d.writes++
	if !d.connected {
		q.SetStatus(StatusDeviceDisconnected)
		return
	}

	image := q.Image()
	for i := uint32(0); i < q.Count(); i++ {
		data := make([]byte, q.BlockSize())
		copy(data, image[int(i)*int(q.BlockSize()):])
		d.memory[blockKey{q.Type().Index, q.Start() + i}] = data
	}

	q.FinalizeWrite()
}

// Test protocol: a modbus-shaped table with small, overridable limits.
const (
	testTypeCoil = iota
	testTypeDiscrete
	testTypeInput
	testTypeHolding
)

type testInfo struct {
	maxReadRegs  int
	maxReadBits  int
	maxWriteRegs int
	maxWriteBits int
}

func (i testInfo) MaxReadRegisters() int  { return i.maxReadRegs }
func (i testInfo) MaxReadBits() int       { return i.maxReadBits }
func (i testInfo) MaxWriteRegisters() int { return i.maxWriteRegs }
func (i testInfo) MaxWriteBits() int      { return i.maxWriteBits }

func (i testInfo) IsSingleBitType(t MemoryBlockType) bool {
	return t.Index == testTypeCoil || t.Index == testTypeDiscrete
}

func testProtocol() Protocol {
	return &TypeTable{
		ProtocolName: "fake",
		Types: []MemoryBlockType{
			{Index: testTypeCoil, Name: "coil", Size: 1},
			{Index: testTypeDiscrete, Name: "discrete", ReadOnly: true, Size: 1},
			{Index: testTypeInput, Name: "input", ReadOnly: true, Size: 2},
			{Index: testTypeHolding, Name: "holding", Size: 2},
		},
		Limits: testInfo{
			maxReadRegs:  125,
			maxReadBits:  2000,
			maxWriteRegs: 123,
			maxWriteBits: 1968,
		},
	}
}

func testDevice(t *testing.T, cfg DeviceConfig) (*Device, *fakeDriver) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "dev1"
	}
	driver := newFakeDriver()
	return NewDevice(cfg, testProtocol(), driver, nil), driver
}

func testChannel(t *testing.T, dev *Device, cfg ChannelConfig) *VirtualRegister {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	ch, err := NewVirtualRegister(cfg, dev, nil)
	if err != nil {
		t.Fatalf("channel %v: %v", cfg.Name, err)
	}
	return ch
}

// readCycle plans and executes one full read cycle for the device.
func readCycle(t *testing.T, dev *Device) []*Query {
	t.Helper()
	sets, err := GenerateQuerySets(dev.Channels(), OperationRead)
	if err != nil {
		t.Fatalf("plan read: %v", err)
	}

	var all []*Query
	for _, set := range sets {
		set.ResetStatuses()
		for _, q := range set.Queries {
			for _, ch := range q.Channels() {
				ch.InvalidateReadValues()
			}
		}
		for _, q := range set.Queries {
			dev.Execute(q)
			all = append(all, q)
		}
	}
	return all
}
