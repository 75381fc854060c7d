package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"go.bug.st/serial"

	"github.com/regbus/regbus/poll"
)

// Transport exchanges one framed request/response pair.
type Transport interface {
	Exchange(unit byte, req PDU) (PDU, error)
	Close() error
}

// RTUTransport frames PDUs with address and CRC over a gap-framed
// serial port.
type RTUTransport struct {
	port *FrameReader
}

// OpenRTU opens a serial port and wraps it for RTU exchanges.
// frameTimeout bounds the wait for a response to start; the inter-byte
// gap ending a frame is fixed at a fraction of it.
func OpenRTU(portName string, baud int, frameTimeout time.Duration) (*RTUTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %v: %w", portName, err)
	}

	chunk := frameTimeout / 4
	if chunk < 5*time.Millisecond {
		chunk = 5 * time.Millisecond
	}

	return &RTUTransport{port: NewFrameReader(port, frameTimeout, chunk)}, nil
}

// NewRTUTransport wraps an already-framed port, which is what tests
// hand in.
func NewRTUTransport(port *FrameReader) *RTUTransport {
	return &RTUTransport{port: port}
}

// Exchange sends one request and decodes the framed response.
func (t *RTUTransport) Exchange(unit byte, req PDU) (PDU, error) {
	if _, err := t.port.Write(RtuEncode(unit, req)); err != nil {
		return PDU{}, err
	}

	buf := make([]byte, 256)
	n, err := t.port.Read(buf)
	if err != nil {
		return PDU{}, err
	}

	addr, resp, err := RtuDecode(buf[:n])
	if err != nil {
		return PDU{}, err
	}
	if addr != unit {
		return PDU{}, fmt.Errorf("response from unit %d, want %d", addr, unit)
	}
	return resp, nil
}

// Close closes the port.
func (t *RTUTransport) Close() error {
	return t.port.Close()
}

// TCPTransport frames PDUs with MBAP headers over a stream.
type TCPTransport struct {
	conn    net.Conn
	timeout time.Duration
	txID    uint16
}

// DialTCP connects to a Modbus TCP endpoint.
func DialTCP(address string, timeout time.Duration) (*TCPTransport, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	return &TCPTransport{conn: conn, timeout: timeout}, nil
}

// Exchange sends one request and reads the matching response.
func (t *TCPTransport) Exchange(unit byte, req PDU) (PDU, error) {
	t.txID++

	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return PDU{}, err
	}
	if _, err := t.conn.Write(TCPEncode(t.txID, unit, req)); err != nil {
		return PDU{}, err
	}

	header := make([]byte, 7)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return PDU{}, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length > 256 {
		return PDU{}, fmt.Errorf("bad MBAP length %d", length)
	}

	rest := make([]byte, length-1)
	if _, err := io.ReadFull(t.conn, rest); err != nil {
		return PDU{}, err
	}

	txID, _, resp, err := TCPDecode(append(header, rest...))
	if err != nil {
		return PDU{}, err
	}
	if txID != t.txID {
		return PDU{}, fmt.Errorf("response for transaction %d, want %d", txID, t.txID)
	}
	return resp, nil
}

// Close closes the connection.
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

// Driver executes the core's queries over a Transport. It owns the
// translation from block types to function codes and from transport
// failures to query statuses.
type Driver struct {
	transport Transport
	unit      byte
	guard     time.Duration
	logger    *log.Logger
}

// NewDriver creates a driver for one slave. guard is the idle interval
// forced between consecutive exchanges on the shared bus.
func NewDriver(transport Transport, unit byte, guard time.Duration, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Driver{transport: transport, unit: unit, guard: guard, logger: logger}
}

// Close releases the transport.
func (d *Driver) Close() error {
	return d.transport.Close()
}

func (d *Driver) exchange(req PDU) ([]byte, error) {
	if d.guard > 0 {
		time.Sleep(d.guard)
	}
	resp, err := d.transport.Exchange(d.unit, req)
	if err != nil {
		return nil, err
	}
	return CheckResponse(req, resp)
}

// statusFromError folds a transport error into a query status:
// timeouts and connection failures mean the device is gone, protocol
// exceptions are permanent for this cycle.
func statusFromError(err error) poll.QueryStatus {
	var exc ExceptionCode
	if errors.As(err, &exc) {
		return poll.StatusDevicePermanentError
	}

	var netErr net.Error
	if errors.Is(err, ErrTimeout) || errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		return poll.StatusDeviceDisconnected
	}
	return poll.StatusUnknownError
}

// Read executes a read query: one bulk request over the query's whole
// transported range, holes included.
func (d *Driver) Read(q *poll.Query) {
	var fc FunctionCode
	switch q.Type().Index {
	case TypeCoil:
		fc = FuncCodeReadCoils
	case TypeDiscrete:
		fc = FuncCodeReadDiscreteInputs
	case TypeInput:
		fc = FuncCodeReadInputRegisters
	case TypeHolding:
		fc = FuncCodeReadHoldingRegisters
	default:
		d.logger.Printf("modbus: no read function for type %v", q.Type().Name)
		q.SetStatus(poll.StatusUnknownError)
		return
	}

	payload, err := d.exchange(ReadRequest(fc, uint16(q.Start()), uint16(q.Count())))
	if err != nil {
		d.logger.Printf("modbus: %v failed: %v", q, err)
		q.SetStatus(statusFromError(err))
		return
	}

	image := payload
	if fc == FuncCodeReadCoils || fc == FuncCodeReadDiscreteInputs {
		image, err = UnpackBits(payload, int(q.Count()))
		if err != nil {
			d.logger.Printf("modbus: %v: %v", q, err)
			q.SetStatus(poll.StatusUnknownError)
			return
		}
	}

	if err := q.FinalizeRead(image); err != nil {
		d.logger.Printf("modbus: %v: %v", q, err)
		q.SetStatus(poll.StatusUnknownError)
	}
}

// Write executes a write query from its pending wire image.
func (d *Driver) Write(q *poll.ValueQuery) {
	var req PDU
	image := q.Image()

	switch q.Type().Index {
	case TypeCoil:
		if q.Count() == 1 {
			value := WriteCoilValueOff
			if image[0] != 0 {
				value = WriteCoilValueOn
			}
			req = WriteSingleRequest(FuncCodeWriteSingleCoil, uint16(q.Start()), value)
		} else {
			req = WriteMultipleCoilsRequest(uint16(q.Start()), image)
		}
	case TypeHolding:
		if q.Count() == 1 {
			req = WriteSingleRequest(FuncCodeWriteSingleRegister,
				uint16(q.Start()), binary.BigEndian.Uint16(image))
		} else {
			req = WriteMultipleRegsRequest(uint16(q.Start()), image)
		}
	default:
		d.logger.Printf("modbus: type %v is not writable", q.Type().Name)
		q.SetStatus(poll.StatusUnknownError)
		return
	}

	if _, err := d.exchange(req); err != nil {
		d.logger.Printf("modbus: %v failed: %v", q, err)
		q.SetStatus(statusFromError(err))
		return
	}

	q.FinalizeWrite()
}
