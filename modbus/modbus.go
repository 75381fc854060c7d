// Package modbus is the Modbus protocol plug-in: the register-type
// table and planning limits the core plans against, plus RTU and TCP
// drivers that execute the core's queries on the wire.
package modbus

import (
	"fmt"

	"github.com/regbus/regbus/poll"
)

// ProtocolName is the name the plug-in registers under.
const ProtocolName = "modbus"

// Register type indexes, protocol-local.
const (
	TypeCoil = iota
	TypeDiscrete
	TypeInput
	TypeHolding
)

// FunctionCode represents a modbus function code
type FunctionCode byte

// Defined valid function codes
const (
	// Bit access
	FuncCodeReadCoils          FunctionCode = 1
	FuncCodeReadDiscreteInputs FunctionCode = 2
	FuncCodeWriteSingleCoil    FunctionCode = 5
	FuncCodeWriteMultipleCoils FunctionCode = 15

	// 16-bit access
	FuncCodeReadHoldingRegisters   FunctionCode = 3
	FuncCodeReadInputRegisters     FunctionCode = 4
	FuncCodeWriteSingleRegister    FunctionCode = 6
	FuncCodeWriteMultipleRegisters FunctionCode = 16
)

// ExceptionCode represents a modbus exception code
type ExceptionCode byte

// Defined valid exception codes
const (
	ExcIllegalFunction     ExceptionCode = 1
	ExcIllegalAddress      ExceptionCode = 2
	ExcIllegalValue        ExceptionCode = 3
	ExcServerDeviceFailure ExceptionCode = 4
	ExcAcknowledge         ExceptionCode = 5
	ExcServerDeviceBusy    ExceptionCode = 6
	ExcMemoryParityError   ExceptionCode = 8
)

func (e ExceptionCode) Error() string {
	switch e {
	case ExcIllegalFunction:
		return "illegal function"
	case ExcIllegalAddress:
		return "illegal data address"
	case ExcIllegalValue:
		return "illegal data value"
	case ExcServerDeviceFailure:
		return "server device failure"
	case ExcAcknowledge:
		return "acknowledge"
	case ExcServerDeviceBusy:
		return "server device busy"
	case ExcMemoryParityError:
		return "memory parity error"
	}
	return fmt.Sprintf("exception code %d", byte(e))
}

// define valid values for write coil
const (
	WriteCoilValueOn  uint16 = 0xff00
	WriteCoilValueOff uint16 = 0
)

// blockTypes is the Modbus register-type table: the four address
// spaces, bit classes one byte per block, register classes two bytes.
var blockTypes = []poll.MemoryBlockType{
	{Index: TypeCoil, Name: "coil", Size: 1},
	{Index: TypeDiscrete, Name: "discrete", ReadOnly: true, Size: 1},
	{Index: TypeInput, Name: "input", ReadOnly: true, Size: 2},
	{Index: TypeHolding, Name: "holding", Size: 2},
}

// info carries the protocol request limits from the Modbus spec.
type info struct{}

func (info) MaxReadRegisters() int  { return 125 }
func (info) MaxReadBits() int       { return 2000 }
func (info) MaxWriteRegisters() int { return 123 }
func (info) MaxWriteBits() int      { return 1968 }

func (info) IsSingleBitType(t poll.MemoryBlockType) bool {
	return t.Index == TypeCoil || t.Index == TypeDiscrete
}

// Protocol returns the plug-in's protocol descriptor.
func Protocol() poll.Protocol {
	return &poll.TypeTable{
		ProtocolName: ProtocolName,
		Types:        blockTypes,
		Limits:       info{},
	}
}

func init() {
	poll.RegisterProtocol(Protocol())
}
