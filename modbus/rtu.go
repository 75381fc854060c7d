package modbus

import (
	"encoding/binary"
	"fmt"
)

// RtuEncode encodes a RTU packet
func RtuEncode(id byte, pdu PDU) []byte {
	ret := make([]byte, len(pdu.Data)+2+2)
	ret[0] = id
	ret[1] = byte(pdu.FunctionCode)
	copy(ret[2:], pdu.Data)
	crc := RtuCrc(ret[:len(ret)-2])
	binary.BigEndian.PutUint16(ret[len(ret)-2:], crc)
	return ret
}

// RtuDecode decodes a RTU packet and returns the sending address and
// the PDU.
func RtuDecode(packet []byte) (byte, PDU, error) {
	if len(packet) < 4 {
		return 0, PDU{}, fmt.Errorf("short packet, got %d bytes", len(packet))
	}

	if err := CheckRtuCrc(packet); err != nil {
		return 0, PDU{}, err
	}

	return packet[0], PDU{
		FunctionCode: FunctionCode(packet[1]),
		Data:         packet[2 : len(packet)-2],
	}, nil
}
