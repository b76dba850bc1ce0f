package duco

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

var errModbusTimeout = errors.New("modbus: response timeout")

// ModbusException is returned when the board answers an RTU request with an exception code.
type ModbusException struct {
	Function byte
	Code     byte
}

func (e *ModbusException) Error() string {
	return fmt.Sprintf("modbus: exception %#02x for function %#02x", e.Code, e.Function)
}

// rtuSession frames Modbus RTU requests over a serial port.
type rtuSession struct {
	port    io.ReadWriteCloser
	slaveID byte
}

func (c *ModbusClient) openRTU() (registerSession, error) {
	port, err := serial.Open(c.cfg.Device, &serial.Mode{
		BaudRate: c.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}

	if err := port.SetReadTimeout(c.cfg.Timeout); err != nil {
		port.Close()
		return nil, err
	}

	return &rtuSession{port: port, slaveID: c.cfg.SlaveID}, nil
}

func (s *rtuSession) Close() error {
	return s.port.Close()
}

// readRegister reads a single register and validates the response frame.
func (s *rtuSession) readRegister(function byte, address uint16) (uint16, error) {
	request := []byte{s.slaveID, function, 0, 0, 0, 1}
	binary.BigEndian.PutUint16(request[2:4], address)
	request = appendCRC(request)

	n, err := s.port.Write(request)
	if err != nil {
		return 0, err
	}
	if n != len(request) {
		return 0, errors.New("modbus: short write")
	}

	// Normal response: slave, function, byte count, 2 data bytes, 2 crc bytes.
	// Exception response: slave, function|0x80, code, 2 crc bytes.
	response := make([]byte, 0, 7)
	buff := make([]byte, 7)
	expected := 7
	for len(response) < expected {
		n, err := s.port.Read(buff[:expected-len(response)])
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, errModbusTimeout
		}
		response = append(response, buff[:n]...)

		if len(response) >= 2 && response[1] == function|0x80 {
			expected = 5
		}
	}

	if !checkCRC(response) {
		return 0, fmt.Errorf("modbus: crc mismatch in %x", response)
	}
	if response[0] != s.slaveID {
		return 0, fmt.Errorf("modbus: response from slave %d, expected %d", response[0], s.slaveID)
	}
	if response[1] == function|0x80 {
		return 0, &ModbusException{Function: function, Code: response[2]}
	}
	if response[1] != function || response[2] != 2 {
		return 0, fmt.Errorf("modbus: unexpected response %x", response)
	}

	return binary.BigEndian.Uint16(response[3:5]), nil
}

func crc16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xa001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	return crc16(frame[:n]) == uint16(frame[n])|uint16(frame[n+1])<<8
}
