// Package runner drives the poll cycle: one worker per port walks its
// devices' query sets on their poll intervals, flushes writes signalled
// by the caller thread, and feeds changed channels to the publisher.
package runner

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/regbus/regbus/poll"
	"github.com/regbus/regbus/publish"
)

// deviceRunner is one device's planned read sets and their due times.
type deviceRunner struct {
	device *poll.Device
	sets   []*poll.QuerySet
	due    []time.Time
}

// PortRunner owns one port's worker: the devices on the bus, their
// read plans, the flush signal shared with all their channels, and the
// publisher. All polling state is touched only by the worker
// goroutine; the caller thread reaches in solely through
// SetValue/channel text setters.
type PortRunner struct {
	name   string
	pub    publish.Publisher
	logger *log.Logger

	flush   *poll.FlushSignal
	devices []*deviceRunner

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPortRunner creates an empty runner for one port.
func NewPortRunner(name string, pub publish.Publisher, logger *log.Logger) *PortRunner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &PortRunner{
		name:   name,
		pub:    pub,
		logger: logger,
		flush:  poll.NewFlushSignal(),
		stop:   make(chan struct{}),
	}
}

// Name returns the port name.
func (r *PortRunner) Name() string { return r.name }

// AddDevice plans a device's read query sets, allocates the write
// caches and wires the flush signal. Call for every device before Run.
func (r *PortRunner) AddDevice(dev *poll.Device) error {
	channels := dev.Channels()
	if len(channels) == 0 {
		return fmt.Errorf("device %v has no channels", dev.Config.Name)
	}

	sets, err := poll.GenerateQuerySets(channels, poll.OperationRead)
	if err != nil {
		return fmt.Errorf("device %v: %w", dev.Config.Name, err)
	}

	dev.AllocateCaches()
	for _, ch := range channels {
		ch.SetFlushSignal(r.flush)
	}

	r.devices = append(r.devices, &deviceRunner{
		device: dev,
		sets:   sets,
		due:    make([]time.Time, len(sets)),
	})
	return nil
}

// Channel finds a channel by device and channel name, for the write
// path of the front-end.
func (r *PortRunner) Channel(device, name string) (*poll.VirtualRegister, bool) {
	for _, dr := range r.devices {
		if dr.device.Config.Name != device {
			continue
		}
		for _, ch := range dr.device.Channels() {
			if ch.Name == name {
				return ch, true
			}
		}
	}
	return nil, false
}

// SetValue parses and stages a write for a channel; the worker flushes
// it at the next opportunity. Safe to call from any goroutine.
func (r *PortRunner) SetValue(device, channel, text string) error {
	ch, ok := r.Channel(device, channel)
	if !ok {
		return fmt.Errorf("port %v: no channel %v on device %v", r.name, channel, device)
	}
	return ch.SetTextValue(text)
}

// Run is the port worker loop. It blocks until Stop.
func (r *PortRunner) Run() error {
	r.logger.Printf("port %v: starting with %d devices", r.name, len(r.devices))

	for {
		timer := time.NewTimer(r.untilNextDue())
		select {
		case <-r.stop:
			timer.Stop()
			return nil
		case <-r.flush.C():
			timer.Stop()
			r.flushDirty()
		case <-timer.C:
			r.flushDirty()
			r.pollDue()
		}
	}
}

// Stop ends the worker.
func (r *PortRunner) Stop(_ error) {
	r.stopOnce.Do(func() { close(r.stop) })
}

// untilNextDue computes the sleep until the earliest due query set.
func (r *PortRunner) untilNextDue() time.Duration {
	now := time.Now()
	next := now.Add(time.Hour)
	for _, dr := range r.devices {
		for _, due := range dr.due {
			if due.Before(next) {
				next = due
			}
		}
	}
	if next.Before(now) {
		return time.Millisecond
	}
	return next.Sub(now)
}

// flushDirty drains pending writes in channel insertion order, then
// publishes any write-error edges.
func (r *PortRunner) flushDirty() {
	for _, dr := range r.devices {
		for _, ch := range dr.device.Channels() {
			if !ch.NeedsFlush() {
				continue
			}
			ch.Flush()
			r.publishChanged(dr.device, ch)
		}
	}
}

// pollDue runs one cycle: every due query set of every device. A
// DeviceDisconnected status short-circuits the rest of the device's
// cycle; the disconnect bookkeeping runs at cycle end.
func (r *PortRunner) pollDue() {
	now := time.Now()

	for _, dr := range r.devices {
		ran := false
		cycleOK := true
		disconnected := false

		for si, set := range dr.sets {
			if dr.due[si].After(now) {
				continue
			}
			dr.due[si] = now.Add(set.PollInterval)
			ran = true

			if disconnected {
				continue // rest of cycle skipped after disconnect
			}

			set.ResetStatuses()
			for _, q := range set.Queries {
				for _, ch := range q.Channels() {
					ch.InvalidateReadValues()
				}
			}

			for _, q := range set.Queries {
				dr.device.Execute(q)
				switch q.Status() {
				case poll.StatusDeviceDisconnected:
					r.logger.Printf("port %v: %v: device disconnected", r.name, q)
					cycleOK = false
					disconnected = true
				case poll.StatusUnknownError:
					cycleOK = false
				}
				if disconnected {
					break
				}
			}

			for _, q := range set.Queries {
				for _, ch := range q.Channels() {
					r.publishChanged(dr.device, ch)
				}
			}
		}

		if ran {
			dr.device.OnCycleEnd(cycleOK)
			// disconnect bookkeeping may have flipped error states
			for _, ch := range dr.device.Channels() {
				r.publishChanged(dr.device, ch)
			}
		}
	}
}

// publishChanged emits pending edges of one channel. Value goes before
// Error when both changed in the same cycle.
func (r *PortRunner) publishChanged(dev *poll.Device, ch *poll.VirtualRegister) {
	if ch.Changed(poll.PublishValue) {
		r.send(dev, ch, "")
		ch.ResetChanged(poll.PublishValue)
	}
	if ch.Changed(poll.PublishError) {
		errText := ""
		if state := ch.ErrorState(); state != poll.NoError {
			errText = state.String()
		}
		r.send(dev, ch, errText)
		ch.ResetChanged(poll.PublishError)
	}
}

func (r *PortRunner) send(dev *poll.Device, ch *poll.VirtualRegister, errText string) {
	text := ch.TextValue()
	value, _ := strconv.ParseFloat(text, 64)

	err := r.pub.Publish(publish.Point{
		Time:    time.Now(),
		Port:    r.name,
		Device:  dev.Config.Name,
		Channel: ch.Name,
		Value:   value,
		Text:    text,
		Error:   errText,
	})
	if err != nil {
		r.logger.Printf("port %v: publish %v: %v", r.name, ch.Name, err)
	}
}
