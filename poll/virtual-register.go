package poll

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorState is the per-channel error lattice: independent read and
// write error bits, plus a distinct initial state meaning no poll has
// resolved the state yet.
type ErrorState uint8

const (
	NoError    ErrorState = 0
	ReadError  ErrorState = 1 << 0
	WriteError ErrorState = 1 << 1

	// UnknownErrorState is the state before the first read or write
	// outcome.
	UnknownErrorState ErrorState = 1 << 7
)

// Has reports whether the bit is set.
func (e ErrorState) Has(bit ErrorState) bool {
	return e&bit != 0
}

func (e ErrorState) String() string {
	switch {
	case e == UnknownErrorState:
		return "unknown"
	case e.Has(ReadError) && e.Has(WriteError):
		return "read+write error"
	case e.Has(ReadError):
		return "read error"
	case e.Has(WriteError):
		return "write error"
	}
	return "ok"
}

// PublishKind selects which publish edge of a channel is queried or
// reset.
type PublishKind uint8

const (
	PublishValue PublishKind = 1 << 0
	PublishError PublishKind = 1 << 1
)

// ChannelConfig is a channel's declarative shape, resolved by the
// config layer and consumed here.
type ChannelConfig struct {
	Name         string
	RegTypeIndex int
	StartAddress uint32
	BitOffset    uint16
	BitWidth     uint16 // 0 means the format's width
	BlockSize    uint16 // instance size for variadic block types
	Format       Format
	Scale        float64
	Offset       float64
	RoundTo      float64
	WordOrder    WordOrder
	ReadOnly     bool
	OnValue      string
	ErrorValue   *uint64
	PollInterval time.Duration
}

// VirtualRegister is a user-visible channel: a logical value bound to a
// contiguous bit range across one or more memory blocks, with scaling,
// format conversion and a read/write publish lifecycle. It is built
// once from config, becomes mutable only after initialization, and is
// owned by its device's port worker.
type VirtualRegister struct {
	ChannelConfig

	device *Device
	logger *log.Logger

	width      uint16
	binds      []blockBind
	writeQuery *ValueQuery
	flush      *FlushSignal

	currentValue uint64
	errorState   ErrorState
	changed      PublishKind
	enabled      bool

	valueIsRead      bool
	valueWasAccepted bool

	dirty        atomic.Bool
	writeMu      sync.Mutex
	valueToWrite uint64
}

// NewVirtualRegister builds a channel on a device: memory blocks are
// synthesized and dedup-merged into the device's arena, associations
// and overlap checks run, and a write query is prepared for writable
// channels. Planning errors disable the channel and surface to the
// caller.
func NewVirtualRegister(cfg ChannelConfig, dev *Device, logger *log.Logger) (*VirtualRegister, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}

	v := &VirtualRegister{
		ChannelConfig: cfg,
		device:        dev,
		logger:        logger,
		errorState:    UnknownErrorState,
		enabled:       true,
	}

	v.width = cfg.BitWidth
	if v.width == 0 {
		v.width = cfg.Format.Width()
	}
	if v.width > 64 {
		return nil, fmt.Errorf("%w: channel %v is %d bits wide, must be <= 64",
			ErrInvalidQueryConfiguration, cfg.Name, v.width)
	}

	binds, err := makeMemoryBlocks(v, dev)
	if err != nil {
		return nil, fmt.Errorf("channel %v: %w", cfg.Name, err)
	}
	v.binds = binds

	var total uint16
	for _, bb := range binds {
		if bb.Block.Type.ReadOnly {
			v.ReadOnly = true
		}
		total += bb.Bind.BitCount()
		if err := bb.Block.Associate(v, bb.Bind); err != nil {
			return nil, err
		}
	}
	if total != v.width {
		return nil, fmt.Errorf("%w: channel %v covers %d of %d bits",
			ErrInvalidQueryConfiguration, cfg.Name, total, v.width)
	}

	if !v.ReadOnly {
		queries, err := GenerateQueries([]*VirtualRegister{v}, OperationWrite, Minify)
		if err != nil {
			return nil, fmt.Errorf("channel %v: %w", cfg.Name, err)
		}
		v.writeQuery = queries[0].Value()
	}

	dev.AddChannel(v)
	logger.Printf("new channel %v: %v", cfg.Name, v.describeLayout())
	return v, nil
}

func (v *VirtualRegister) describeLayout() string {
	s := fmt.Sprintf("%d blocks [", len(v.binds))
	for i, bb := range v.binds {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%d:%v", bb.Block.Address, bb.Bind)
	}
	return s + "]"
}

// Device returns the owning device.
func (v *VirtualRegister) Device() *Device { return v.device }

// TypeIndex returns the protocol-local register type index.
func (v *VirtualRegister) TypeIndex() int { return v.RegTypeIndex }

// Width returns the channel's bit width.
func (v *VirtualRegister) Width() uint16 { return v.width }

// Blocks returns the backing memory blocks in address order.
func (v *VirtualRegister) Blocks() []*MemoryBlock {
	out := make([]*MemoryBlock, 0, len(v.binds))
	for _, bb := range v.binds {
		out = append(out, bb.Block)
	}
	return out
}

// BindFor returns the bit range this channel occupies in one of its
// blocks.
func (v *VirtualRegister) BindFor(b *MemoryBlock) (BindInfo, bool) {
	for _, bb := range v.binds {
		if bb.Block == b {
			return bb.Bind, true
		}
	}
	return BindInfo{}, false
}

// WriteQuery returns the prepared write query, nil for read-only
// channels.
func (v *VirtualRegister) WriteQuery() *ValueQuery { return v.writeQuery }

// SetFlushSignal wires the level-triggered signal the port worker
// waits on.
func (v *VirtualRegister) SetFlushSignal(s *FlushSignal) {
	v.flush = s
}

// Enabled reports whether the channel takes part in polling.
func (v *VirtualRegister) Enabled() bool { return v.enabled }

// SetEnabled enables or disables the channel.
func (v *VirtualRegister) SetEnabled(enabled bool) {
	v.enabled = enabled
	if enabled {
		v.logger.Printf("re-enabled channel %v", v.Name)
	} else {
		v.logger.Printf("disabled channel %v", v.Name)
	}
}

// NeedsPoll reports whether the next read cycle should include this
// channel. A dirty channel skips the read so the pending write wins.
func (v *VirtualRegister) NeedsPoll() bool {
	return v.enabled && !v.dirty.Load()
}

// NeedsFlush reports whether a write is pending.
func (v *VirtualRegister) NeedsFlush() bool {
	return v.dirty.Load()
}

// AcceptDeviceValue takes the raw value a finished read query decoded
// for this channel. Called at most once per cycle; a second call
// before InvalidateReadValues is ignored. A value equal to the
// configured error value raises ReadError and leaves the current value
// untouched. The first successful read always raises the Value edge.
func (v *VirtualRegister) AcceptDeviceValue(raw uint64) {
	if !v.NeedsPoll() {
		return
	}
	if v.valueIsRead {
		v.logger.Printf("channel %v: duplicate read in one cycle ignored", v.Name)
		return
	}
	v.valueIsRead = true

	if v.ErrorValue != nil && *v.ErrorValue == raw {
		v.logger.Printf("channel %v contains error value", v.Name)
		v.updateReadError(true)
		return
	}

	firstPoll := !v.valueWasAccepted
	v.valueWasAccepted = true

	if v.currentValue != raw {
		v.currentValue = raw
		v.logger.Printf("new value for channel %v: %#x", v.Name, raw)
		v.changed |= PublishValue
	} else if firstPoll {
		v.changed |= PublishValue
	}
	v.updateReadError(false)
}

// InvalidateReadValues re-arms AcceptDeviceValue for the next cycle.
func (v *VirtualRegister) InvalidateReadValues() {
	v.valueIsRead = false
}

// ValueIsRead reports whether this cycle already delivered a value.
func (v *VirtualRegister) ValueIsRead() bool {
	return v.valueIsRead
}

// CurrentValue returns the raw value of the last successful poll. It
// is meaningful only after the first successful read.
func (v *VirtualRegister) CurrentValue() uint64 {
	return v.currentValue
}

// TextValue renders the current value through format, scaling and the
// on-value mapping.
func (v *VirtualRegister) TextValue() string {
	text := textFromRaw(v.Format, v.scaler(), v.currentValue)
	if v.OnValue == "" {
		return text
	}
	if text == v.OnValue {
		return "1"
	}
	return "0"
}

// SetTextValue parses a desired value, stores it for the next flush,
// marks the channel dirty and raises the flush signal. This is the one
// entry point of the caller thread.
func (v *VirtualRegister) SetTextValue(value string) error {
	if v.ReadOnly {
		return fmt.Errorf("channel %v is read-only", v.Name)
	}

	if v.OnValue != "" {
		if value == "1" {
			value = v.OnValue
		} else {
			value = "0"
		}
	}

	raw, err := rawFromText(v.Format, v.scaler(), value)
	if err != nil {
		return fmt.Errorf("channel %v: parse %q: %w", v.Name, value, err)
	}

	v.writeMu.Lock()
	v.valueToWrite = raw
	v.writeMu.Unlock()
	v.dirty.Store(true)

	if v.flush != nil {
		v.flush.Signal()
	}
	return nil
}

// Flush pushes a pending write to the device. Without an intervening
// SetTextValue it is a no-op. The write query's status becomes the
// channel's write error state.
func (v *VirtualRegister) Flush() {
	if !v.dirty.CompareAndSwap(true, false) {
		return
	}

	v.writeMu.Lock()
	raw := v.valueToWrite
	v.writeMu.Unlock()

	v.writeQuery.ResetStatus()
	v.writeQuery.SetValue(v, raw)
	v.device.Execute(&v.writeQuery.Query)
	v.updateWriteError(v.writeQuery.Status() != StatusOK)
}

// acceptWriteValue commits a successful write: the written value
// becomes the current one.
func (v *VirtualRegister) acceptWriteValue(raw uint64) {
	v.currentValue = raw
	v.updateWriteError(false)
}

// Changed reports whether the given publish edge is pending.
func (v *VirtualRegister) Changed(kind PublishKind) bool {
	return v.changed&kind != 0
}

// ResetChanged clears a publish edge after the front-end consumed it.
func (v *VirtualRegister) ResetChanged(kind PublishKind) {
	v.changed &^= kind
}

// ErrorState returns the channel's current error lattice value.
func (v *VirtualRegister) ErrorState() ErrorState {
	return v.errorState
}

func (v *VirtualRegister) scaler() scaler {
	return scaler{Scale: v.Scale, Offset: v.Offset, RoundTo: v.RoundTo}
}

func (v *VirtualRegister) updateReadError(isError bool) {
	v.updateError(ReadError, isError)
}

func (v *VirtualRegister) updateWriteError(isError bool) {
	v.updateError(WriteError, isError)
}

// updateError flips one bit of the lattice; any transition, including
// leaving UnknownErrorState, raises the Error edge.
func (v *VirtualRegister) updateError(bit ErrorState, isError bool) {
	before := v.errorState
	if v.errorState == UnknownErrorState {
		v.errorState = NoError
	}
	if isError {
		v.errorState |= bit
	} else {
		v.errorState &^= bit
	}
	if v.errorState != before {
		v.changed |= PublishError
		v.logger.Printf("channel %v: error state now %v", v.Name, v.errorState)
	}
}

func (v *VirtualRegister) String() string {
	return fmt.Sprintf("<%v:%v@%d>", v.device.Config.Name, v.Name, v.StartAddress)
}
