package modbus

import (
	"encoding/binary"
	"fmt"
)

// PDU for Modbus packets
type PDU struct {
	FunctionCode FunctionCode
	Data         []byte
}

func (p PDU) String() string {
	return fmt.Sprintf("PDU: %v: %x", p.FunctionCode, p.Data)
}

// ReadRequest builds a read PDU for a range of coils or registers.
func ReadRequest(fc FunctionCode, address uint16, count uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, address)
	binary.BigEndian.PutUint16(data[2:], count)
	return PDU{FunctionCode: fc, Data: data}
}

// WriteSingleRequest builds a FC 5/6 PDU.
func WriteSingleRequest(fc FunctionCode, address uint16, value uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, address)
	binary.BigEndian.PutUint16(data[2:], value)
	return PDU{FunctionCode: fc, Data: data}
}

// WriteMultipleRegsRequest builds a FC 16 PDU from the registers' wire
// image.
func WriteMultipleRegsRequest(address uint16, image []byte) PDU {
	count := uint16(len(image) / 2)
	data := make([]byte, 5+len(image))
	binary.BigEndian.PutUint16(data, address)
	binary.BigEndian.PutUint16(data[2:], count)
	data[4] = byte(len(image))
	copy(data[5:], image)
	return PDU{FunctionCode: FuncCodeWriteMultipleRegisters, Data: data}
}

// WriteMultipleCoilsRequest builds a FC 15 PDU from one byte per coil
// (zero means off).
func WriteMultipleCoilsRequest(address uint16, coils []byte) PDU {
	packed := make([]byte, (len(coils)+7)/8)
	for i, c := range coils {
		if c != 0 {
			packed[i/8] |= 1 << (i % 8)
		}
	}

	data := make([]byte, 5+len(packed))
	binary.BigEndian.PutUint16(data, address)
	binary.BigEndian.PutUint16(data[2:], uint16(len(coils)))
	data[4] = byte(len(packed))
	copy(data[5:], packed)
	return PDU{FunctionCode: FuncCodeWriteMultipleCoils, Data: data}
}

// CheckResponse validates a response PDU against its request and
// returns the payload. Exception responses come back as an
// ExceptionCode error.
func CheckResponse(req, resp PDU) ([]byte, error) {
	if resp.FunctionCode == req.FunctionCode|0x80 {
		if len(resp.Data) < 1 {
			return nil, fmt.Errorf("truncated exception response")
		}
		return nil, ExceptionCode(resp.Data[0])
	}

	if resp.FunctionCode != req.FunctionCode {
		return nil, fmt.Errorf("unexpected function code %v in response to %v",
			resp.FunctionCode, req.FunctionCode)
	}

	switch req.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if len(resp.Data) < 1 || int(resp.Data[0]) != len(resp.Data)-1 {
			return nil, fmt.Errorf("byte count %d does not match payload %d",
				resp.Data[0], len(resp.Data)-1)
		}
		return resp.Data[1:], nil
	default:
		return resp.Data, nil
	}
}

// UnpackBits expands a packed bit payload into one byte per point,
// least significant bit first, the way read coil responses arrive.
func UnpackBits(payload []byte, count int) ([]byte, error) {
	if len(payload) < (count+7)/8 {
		return nil, fmt.Errorf("bit payload of %d bytes too short for %d points",
			len(payload), count)
	}
	out := make([]byte, count)
	for i := 0; i < count; i++ {
		if payload[i/8]&(1<<(i%8)) != 0 {
			out[i] = 1
		}
	}
	return out, nil
}
