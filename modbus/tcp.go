package modbus

import (
	"encoding/binary"
	"fmt"
)

// TCPEncode wraps a PDU in an MBAP header.
func TCPEncode(txID uint16, unit byte, pdu PDU) []byte {
	ret := make([]byte, 7+1+len(pdu.Data))
	binary.BigEndian.PutUint16(ret, txID)
	// protocol id stays zero
	binary.BigEndian.PutUint16(ret[4:], uint16(2+len(pdu.Data)))
	ret[6] = unit
	ret[7] = byte(pdu.FunctionCode)
	copy(ret[8:], pdu.Data)
	return ret
}

// TCPDecode strips the MBAP header and returns the transaction id,
// unit and PDU.
func TCPDecode(packet []byte) (uint16, byte, PDU, error) {
	if len(packet) < 8 {
		return 0, 0, PDU{}, fmt.Errorf("short MBAP packet, got %d bytes", len(packet))
	}

	if proto := binary.BigEndian.Uint16(packet[2:]); proto != 0 {
		return 0, 0, PDU{}, fmt.Errorf("unexpected MBAP protocol id %d", proto)
	}

	length := int(binary.BigEndian.Uint16(packet[4:]))
	if length != len(packet)-6 {
		return 0, 0, PDU{}, fmt.Errorf("MBAP length %d does not match packet %d",
			length, len(packet)-6)
	}

	return binary.BigEndian.Uint16(packet), packet[6], PDU{
		FunctionCode: FunctionCode(packet[7]),
		Data:         packet[8:],
	}, nil
}
