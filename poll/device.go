package poll

import (
	"fmt"
	"io"
	"log"
	"sort"
	"time"
)

// DeviceConfig is the per-device configuration surface consumed by the
// planner and the cycle bookkeeping. It arrives from the config layer
// already validated.
type DeviceConfig struct {
	Name             string
	SlaveID          int
	MaxRegHole       int
	MaxBitHole       int
	MaxReadRegisters int
	GuardInterval    time.Duration
	FrameTimeout     time.Duration
	DeviceTimeout    time.Duration
	MaxFailCycles    int
}

// Driver executes queries against the wire. A driver reads or writes
// exactly the bytes a query describes and records the outcome in the
// query's status; transport errors never propagate past it.
type Driver interface {
	Read(q *Query)
	Write(q *ValueQuery)
}

type blockKey struct {
	typeIndex int
	address   uint32
}

// Device owns the block arena for one polled slave: every memory block
// lives here, keyed by (type index, address), and channels hold handles
// into the arena. The arena is torn down with the device.
type Device struct {
	Config DeviceConfig

	protocol Protocol
	driver   Driver
	logger   *log.Logger

	blocks map[blockKey]*MemoryBlock
	sorted []*MemoryBlock
	stale  bool

	channels []*VirtualRegister

	cachePool    []byte
	failCycles   int
	disconnected bool
}

// NewDevice creates a device bound to a protocol and a driver. A nil
// logger discards debug output.
func NewDevice(cfg DeviceConfig, protocol Protocol, driver Driver, logger *log.Logger) *Device {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Device{
		Config:   cfg,
		protocol: protocol,
		driver:   driver,
		logger:   logger,
		blocks:   map[blockKey]*MemoryBlock{},
	}
}

// Protocol returns the device's protocol descriptor.
func (d *Device) Protocol() Protocol { return d.protocol }

// EnsureBlock returns the device's block at (type, address), creating
// it when missing. An existing block with a conflicting size is a
// configuration error.
func (d *Device) EnsureBlock(t MemoryBlockType, address uint32, size uint16) (*MemoryBlock, error) {
	key := blockKey{t.Index, address}
	if b, ok := d.blocks[key]; ok {
		want := size
		if !t.Variadic {
			want = t.Size
		}
		if b.Size != want {
			return nil, fmt.Errorf("%v: conflicting sizes %d and %d", b, b.Size, want)
		}
		return b, nil
	}

	b, err := NewMemoryBlock(address, size, t)
	if err != nil {
		return nil, err
	}
	b.attachDevice(d)
	d.blocks[key] = b
	d.stale = true
	return b, nil
}

// Blocks returns all created blocks ordered by (type index, address).
func (d *Device) Blocks() []*MemoryBlock {
	if d.stale {
		d.sorted = d.sorted[:0]
		for _, b := range d.blocks {
			d.sorted = append(d.sorted, b)
		}
		sort.Slice(d.sorted, func(i, j int) bool { return d.sorted[i].less(d.sorted[j]) })
		d.stale = false
	}
	return d.sorted
}

// BlockRange returns the created blocks of one type with addresses in
// [first, last], in address order. Hole measurement runs over this
// range rather than over a single query's own set, so a block created
// for another poll class narrows the hole.
func (d *Device) BlockRange(typeIndex int, first, last uint32) []*MemoryBlock {
	var out []*MemoryBlock
	for _, b := range d.Blocks() {
		if b.Type.Index == typeIndex && b.Address >= first && b.Address <= last {
			out = append(out, b)
		}
	}
	return out
}

// AddChannel records a channel in flush insertion order.
func (d *Device) AddChannel(ch *VirtualRegister) {
	d.channels = append(d.channels, ch)
}

// Channels returns the device's channels in insertion order.
func (d *Device) Channels() []*VirtualRegister {
	return d.channels
}

// AllocateCaches sizes one pooled byte region for every block that
// needs caching and hands each block its slice. Call once, after
// planning has frozen the bindings.
func (d *Device) AllocateCaches() {
	var need []*MemoryBlock
	total := 0
	for _, b := range d.Blocks() {
		if b.NeedsCaching() && b.Cache() == nil {
			need = append(need, b)
			total += int(b.Size)
		}
	}
	if total == 0 {
		return
	}

	d.cachePool = make([]byte, total)
	off := 0
	for _, b := range need {
		b.AssignCache(d.cachePool[off : off+int(b.Size)])
		d.logger.Printf("device %v: caching %v", d.Config.Name, b)
		off += int(b.Size)
	}
}

// Execute hands a query to the driver, dispatching on its operation.
func (d *Device) Execute(q *Query) {
	if vq := q.Value(); vq != nil {
		d.driver.Write(vq)
		return
	}
	d.driver.Read(q)
}

// OnCycleEnd updates the disconnect bookkeeping from one poll cycle's
// outcome and reports whether the device is considered connected. After
// MaxFailCycles consecutive failed cycles the device is marked
// disconnected; a successful cycle reconnects it.
func (d *Device) OnCycleEnd(ok bool) bool {
	if ok {
		if d.disconnected {
			d.logger.Printf("device %v: reconnected", d.Config.Name)
		}
		d.failCycles = 0
		d.disconnected = false
		return true
	}

	d.failCycles++
	if !d.disconnected && d.Config.MaxFailCycles > 0 && d.failCycles >= d.Config.MaxFailCycles {
		d.disconnected = true
		d.logger.Printf("device %v: disconnected after %d failed cycles",
			d.Config.Name, d.failCycles)
		for _, ch := range d.channels {
			ch.updateReadError(true)
		}
	}
	return !d.disconnected
}

// Disconnected reports the current disconnect state.
func (d *Device) Disconnected() bool {
	return d.disconnected
}
