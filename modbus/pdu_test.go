package modbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadRequest(t *testing.T) {
	pdu := ReadRequest(FuncCodeReadHoldingRegisters, 0x6b, 3)

	if pdu.FunctionCode != FuncCodeReadHoldingRegisters {
		t.Errorf("unexpected function code %v", pdu.FunctionCode)
	}
	if !bytes.Equal(pdu.Data, []byte{0x00, 0x6b, 0x00, 0x03}) {
		t.Errorf("unexpected data % x", pdu.Data)
	}
}

func TestCheckResponse(t *testing.T) {
	req := ReadRequest(FuncCodeReadHoldingRegisters, 0, 2)

	resp := PDU{FunctionCode: FuncCodeReadHoldingRegisters,
		Data: []byte{4, 0x11, 0x22, 0x33, 0x44}}
	payload, err := CheckResponse(req, resp)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Errorf("unexpected payload % x", payload)
	}

	// short byte count
	bad := PDU{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{4, 0x11}}
	if _, err := CheckResponse(req, bad); err == nil {
		t.Error("expected byte count mismatch error")
	}

	// exception response
	exc := PDU{FunctionCode: FuncCodeReadHoldingRegisters | 0x80,
		Data: []byte{byte(ExcIllegalFunction)}}
	_, err = CheckResponse(req, exc)
	var code ExceptionCode
	if !errors.As(err, &code) || code != ExcIllegalFunction {
		t.Errorf("expected illegal function exception, got %v", err)
	}
}

func TestUnpackBits(t *testing.T) {
	// 10 points: 1,0,1,1,0,0,1,1 1,0
	out, err := UnpackBits([]byte{0xcd, 0x01}, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 0, 1, 1, 0, 0, 1, 1, 1, 0}
	if !bytes.Equal(out, want) {
		t.Errorf("expected %v, got %v", want, out)
	}

	if _, err := UnpackBits([]byte{0xcd}, 10); err == nil {
		t.Error("expected short payload error")
	}
}

func TestWriteMultipleRequests(t *testing.T) {
	regs := WriteMultipleRegsRequest(0x10, []byte{0x00, 0x0a, 0x01, 0x02})
	if !bytes.Equal(regs.Data, []byte{0x00, 0x10, 0x00, 0x02, 0x04, 0x00, 0x0a, 0x01, 0x02}) {
		t.Errorf("FC16 data: % x", regs.Data)
	}

	coils := WriteMultipleCoilsRequest(0x13, []byte{1, 0, 1, 1, 0, 0, 1, 1, 1, 0})
	if !bytes.Equal(coils.Data, []byte{0x00, 0x13, 0x00, 0x0a, 0x02, 0xcd, 0x01}) {
		t.Errorf("FC15 data: % x", coils.Data)
	}
}
