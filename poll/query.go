package poll

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Operation distinguishes read and write queries.
type Operation int

const (
	OperationRead Operation = iota
	OperationWrite
)

func (o Operation) String() string {
	if o == OperationWrite {
		return "write"
	}
	return "read"
}

// QueryStatus is the outcome of one execution of a query, written once
// by the driver and reset before re-use.
type QueryStatus int32

const (
	StatusNotExecuted QueryStatus = iota
	StatusOK
	StatusDeviceDisconnected
	StatusDevicePermanentError
	StatusUnknownError
)

func (s QueryStatus) String() string {
	switch s {
	case StatusNotExecuted:
		return "not executed"
	case StatusOK:
		return "ok"
	case StatusDeviceDisconnected:
		return "device disconnected"
	case StatusDevicePermanentError:
		return "device permanent error"
	case StatusUnknownError:
		return "unknown error"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Query is an immutable description of one bulk read or write spanning
// adjacent memory blocks of one device. The address range
// [Start, Start+Count) covers every block plus any holes between them;
// the driver transports the whole range.
type Query struct {
	operation Operation
	blockType MemoryBlockType
	blockSize uint16
	start     uint32
	count     uint32
	blocks    []*MemoryBlock
	channels  []*VirtualRegister
	device    *Device

	status atomic.Int32
	value  *ValueQuery
}

// ValueQuery is a write query: a Query plus the pending wire image the
// codec scatters channel values into.
type ValueQuery struct {
	Query
	pending []byte
}

// newQuery builds a query over a sorted, same-type, same-size block
// set. The factory validates the set before calling.
func newQuery(op Operation, blocks []*MemoryBlock, channels []*VirtualRegister) *Query {
	first, last := blocks[0], blocks[len(blocks)-1]

	q := &Query{}
	if op == OperationWrite {
		vq := &ValueQuery{}
		vq.pending = make([]byte, int(last.Address-first.Address+1)*int(first.Size))
		vq.value = vq
		q = &vq.Query
	}

	q.operation = op
	q.blockType = first.Type
	q.blockSize = first.Size
	q.start = first.Address
	q.count = last.Address - first.Address + 1
	q.blocks = blocks
	q.channels = channels
	q.device = first.Device()
	return q
}

// Operation returns read or write.
func (q *Query) Operation() Operation { return q.operation }

// Type returns the common block type of the query.
func (q *Query) Type() MemoryBlockType { return q.blockType }

// BlockSize returns the common per-block byte size.
func (q *Query) BlockSize() uint16 { return q.blockSize }

// Start returns the first block address.
func (q *Query) Start() uint32 { return q.start }

// Count returns the number of transported blocks, holes included.
func (q *Query) Count() uint32 { return q.count }

// Blocks returns the requested blocks in address order.
func (q *Query) Blocks() []*MemoryBlock { return q.blocks }

// Channels returns the bound channels in first-occurrence order.
func (q *Query) Channels() []*VirtualRegister { return q.channels }

// Device returns the queried device.
func (q *Query) Device() *Device { return q.device }

// Value returns the write-query view, nil for reads.
func (q *Query) Value() *ValueQuery { return q.value }

// Status returns the current execution status.
func (q *Query) Status() QueryStatus {
	return QueryStatus(q.status.Load())
}

// SetStatus records the outcome of one execution. A failed read marks
// every bound channel with a read error; write errors are handled by
// the flushing channel itself.
func (q *Query) SetStatus(s QueryStatus) {
	q.status.Store(int32(s))

	if q.operation != OperationRead {
		return
	}
	switch s {
	case StatusDeviceDisconnected, StatusDevicePermanentError, StatusUnknownError:
		for _, ch := range q.channels {
			ch.updateReadError(true)
		}
	}
}

// ResetStatus returns the query to NotExecuted before re-use.
func (q *Query) ResetStatus() {
	q.status.Store(int32(StatusNotExecuted))
}

// view slices one block's bytes out of a transported range image.
func (q *Query) view(image []byte, b *MemoryBlock) []byte {
	off := int(b.Address-q.start) * int(q.blockSize)
	return image[off : off+int(q.blockSize)]
}

// FinalizeRead accepts the bytes a driver read for the whole
// transported range and distributes them into each bound channel's
// current value. Per-channel decode state stays channel-local; the
// query itself becomes OK.
func (q *Query) FinalizeRead(image []byte) error {
	if len(image) != int(q.count)*int(q.blockSize) {
		return fmt.Errorf("%v query %d+%d: got %d bytes, want %d",
			q.blockType.Name, q.start, q.count, len(image), int(q.count)*int(q.blockSize))
	}

	for _, b := range q.blocks {
		if cache := b.Cache(); cache != nil {
			copy(cache, q.view(image, b))
		}
	}

	for _, ch := range q.channels {
		raw := gatherValue(ch.binds, func(b *MemoryBlock) []byte {
			return q.view(image, b)
		}, ch.WordOrder, ch.Width())
		ch.AcceptDeviceValue(raw)
	}

	q.SetStatus(StatusOK)
	return nil
}

// Image returns the pending wire image a driver writes to the device.
func (q *ValueQuery) Image() []byte { return q.pending }

// SetValue scatters a channel's raw value into the pending image. For
// blocks that need caching the untouched bits come from the cached
// last-read image; other blocks start zeroed.
func (q *ValueQuery) SetValue(ch *VirtualRegister, raw uint64) {
	for _, b := range q.blocks {
		view := q.view(q.pending, b)
		if cache := b.Cache(); cache != nil {
			copy(view, cache)
		} else {
			for i := range view {
				view[i] = 0
			}
		}
	}

	scatterValue(raw, ch.binds, func(b *MemoryBlock) []byte {
		return q.view(q.pending, b)
	}, ch.WordOrder, ch.Width())
}

// FinalizeWrite commits a successful write: pending bytes land in each
// cached block's cache, every bound channel adopts its written value,
// and the query becomes OK.
func (q *ValueQuery) FinalizeWrite() {
	for _, b := range q.blocks {
		if cache := b.Cache(); cache != nil {
			copy(cache, q.view(q.pending, b))
		}
	}

	for _, ch := range q.channels {
		raw := gatherValue(ch.binds, func(b *MemoryBlock) []byte {
			return q.view(q.pending, b)
		}, ch.WordOrder, ch.Width())
		ch.acceptWriteValue(raw)
	}

	q.SetStatus(StatusOK)
}

func (q *Query) String() string {
	return fmt.Sprintf("%v %v query %d+%d of device %v",
		q.operation, q.blockType.Name, q.start, q.count, q.device.Config.Name)
}

// QuerySet is a non-empty collection of queries sharing one poll
// interval and operation.
type QuerySet struct {
	PollInterval time.Duration
	Queries      []*Query
}

// ResetStatuses re-arms every query in the set.
func (s *QuerySet) ResetStatuses() {
	for _, q := range s.Queries {
		q.ResetStatus()
	}
}
