package runner

import (
	"testing"
	"time"

	"github.com/regbus/regbus/poll"
	"github.com/regbus/regbus/publish"
)

const typeHolding = 0

type memInfo struct{}

func (memInfo) MaxReadRegisters() int                      { return 125 }
func (memInfo) MaxReadBits() int                           { return 2000 }
func (memInfo) MaxWriteRegisters() int                     { return 123 }
func (memInfo) MaxWriteBits() int                          { return 1968 }
func (memInfo) IsSingleBitType(poll.MemoryBlockType) bool  { return false }

func memProtocol() poll.Protocol {
	return &poll.TypeTable{
		ProtocolName: "mem",
		Types: []poll.MemoryBlockType{
			{Index: typeHolding, Name: "holding", Size: 2},
		},
		Limits: memInfo{},
	}
}

// memDriver serves reads and writes from a register map.
type memDriver struct {
	regs      map[uint32][]byte
	connected bool
}

func newMemDriver() *memDriver {
	return &memDriver{regs: map[uint32][]byte{}, connected: true}
}

func (d *memDriver) Read(q *poll.Query) {
	if !d.connected {
		q.SetStatus(poll.StatusDeviceDisconnected)
		return
	}
	image := make([]byte, int(q.Count())*int(q.BlockSize()))
	for i := uint32(0); i < q.Count(); i++ {
		if data, ok := d.regs[q.Start()+i]; ok {
			copy(image[int(i)*int(q.BlockSize()):], data)
		}
	}
	if err := q.FinalizeRead(image); err != nil {
		q.SetStatus(poll.StatusUnknownError)
	}
}

func (d *memDriver) Write(q *poll.ValueQuery) {
	if !d.connected {
		q.SetStatus(poll.StatusDeviceDisconnected)
		return
	}
	image := q.Image()
	for i := uint32(0); i < q.Count(); i++ {
		data := make([]byte, q.BlockSize())
		copy(data, image[int(i)*int(q.BlockSize()):])
		d.regs[q.Start()+i] = data
	}
	q.FinalizeWrite()
}

type recorder struct {
	points []publish.Point
}

func (r *recorder) Publish(p publish.Point) error {
	r.points = append(r.points, p)
	return nil
}

func buildRunner(t *testing.T) (*PortRunner, *memDriver, *recorder, *poll.Device) {
	t.Helper()

	driver := newMemDriver()
	rec := &recorder{}
	port := NewPortRunner("test-port", rec, nil)

	dev := poll.NewDevice(poll.DeviceConfig{
		Name:          "dev1",
		MaxRegHole:    4,
		MaxFailCycles: 2,
	}, memProtocol(), driver, nil)

	for _, cfg := range []poll.ChannelConfig{
		{Name: "temp", RegTypeIndex: typeHolding, StartAddress: 10,
			Format: poll.FormatS16, Scale: 0.1, PollInterval: time.Second},
		{Name: "mode", RegTypeIndex: typeHolding, StartAddress: 11,
			Format: poll.FormatU16, PollInterval: time.Second},
	} {
		if _, err := poll.NewVirtualRegister(cfg, dev, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := port.AddDevice(dev); err != nil {
		t.Fatal(err)
	}
	return port, driver, rec, dev
}

func TestPollPublishesChangedValues(t *testing.T) {
	port, driver, rec, _ := buildRunner(t)

	driver.regs[10] = []byte{0x00, 0xfa} // 250 -> 25.0
	driver.regs[11] = []byte{0x00, 0x02}

	port.pollDue()

	byChannel := map[string][]publish.Point{}
	for _, p := range rec.points {
		if p.Port != "test-port" || p.Device != "dev1" {
			t.Fatalf("misrouted point %+v", p)
		}
		byChannel[p.Channel] = append(byChannel[p.Channel], p)
	}

	temp := byChannel["temp"]
	if len(temp) == 0 {
		t.Fatal("expected a published temp point")
	}
	if temp[0].Text != "25" || temp[0].Error != "" {
		t.Errorf("value edge must publish first: %+v", temp[0])
	}

	// nothing changed: a second due cycle publishes nothing new
	rec.points = nil
	for _, dr := range port.devices {
		for i := range dr.due {
			dr.due[i] = time.Time{}
		}
	}
	port.pollDue()
	if len(rec.points) != 0 {
		t.Errorf("unchanged cycle published %d points", len(rec.points))
	}
}

func TestSetValueFlushes(t *testing.T) {
	port, driver, _, _ := buildRunner(t)

	if err := port.SetValue("dev1", "temp", "21.5"); err != nil {
		t.Fatal(err)
	}

	if !port.flush.TryWait() {
		t.Error("SetValue must raise the port's flush signal")
	}

	port.flushDirty()

	got := driver.regs[10]
	if got == nil || got[0] != 0x00 || got[1] != 0xd7 { // 215
		t.Errorf("expected 00 d7, got % x", got)
	}

	if err := port.SetValue("dev1", "none", "1"); err == nil {
		t.Error("expected error for unknown channel")
	}
	if err := port.SetValue("other", "temp", "1"); err == nil {
		t.Error("expected error for unknown device")
	}
}

func TestDisconnectSkipsCycle(t *testing.T) {
	port, driver, rec, dev := buildRunner(t)

	// healthy first cycle
	driver.regs[10] = []byte{0x00, 0x01}
	port.pollDue()
	rec.points = nil

	driver.connected = false
	for cycle := 0; cycle < 2; cycle++ {
		for _, dr := range port.devices {
			for i := range dr.due {
				dr.due[i] = time.Time{}
			}
		}
		port.pollDue()
	}

	if !dev.Disconnected() {
		t.Error("device must be disconnected after repeated failures")
	}

	var sawError bool
	for _, p := range rec.points {
		if p.Error != "" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("disconnect must publish error edges")
	}
}
