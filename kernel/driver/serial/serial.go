// Package serial drives a 16550 compatible UART. The first port doubles as
// the kernel log sink and as the /dev/serial character device.
package serial

import (
	"io"
	"nestos/kernel"
	"nestos/kernel/cpu"
	"nestos/kernel/kfmt"
	"nestos/kernel/sync"
)

const (
	// COM1 is the I/O base of the first serial port.
	COM1 = uint16(0x3f8)

	// debugconPort mirrors every written byte to the emulator debug console.
	debugconPort = uint16(0xe9)

	regData       = 0
	regIntEnable  = 1
	regFifoCtrl   = 2
	regLineCtrl   = 3
	regModemCtrl  = 4
	regLineStatus = 5

	lineCtrlDLAB      = 0x80
	lineCtrl8N1       = 0x03
	fifoEnableClear14 = 0xc7
	modemCtrlDTRRTS   = 0x0b

	lineStatusDataReady = 0x01
	lineStatusTxEmpty   = 0x20

	// baudDivisor selects 38400 baud.
	baudDivisor = 3

	// maxTxSpins bounds the wait for the transmit buffer so that a missing
	// UART cannot hang the kernel.
	maxTxSpins = 1 << 16
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errTxTimeout = &kernel.Error{Module: "serial", Message: "transmitter did not become ready"}
)

// Port is a serial port.
type Port struct {
	mutex sync.Spinlock

	// Base is the I/O port of the data register.
	Base uint16

	// Mirror, if set, copies output to the emulator debug console.
	Mirror bool
}

// DriverName implements driver.Driver.
func (p *Port) DriverName() string {
	return "serial"
}

// DriverVersion implements driver.Driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements driver.Driver. It programs the port for 38400 baud,
// 8 data bits, no parity and one stop bit with FIFOs enabled.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.mutex.Acquire()
	portWriteByteFn(p.Base+regIntEnable, 0)
	portWriteByteFn(p.Base+regLineCtrl, lineCtrlDLAB)
	portWriteByteFn(p.Base+regData, baudDivisor&0xff)
	portWriteByteFn(p.Base+regIntEnable, baudDivisor>>8)
	portWriteByteFn(p.Base+regLineCtrl, lineCtrl8N1)
	portWriteByteFn(p.Base+regFifoCtrl, fifoEnableClear14)
	portWriteByteFn(p.Base+regModemCtrl, modemCtrlDTRRTS)
	p.mutex.Release()

	kfmt.Fprintf(w, "port 0x%x configured for 38400 8N1\n", p.Base)
	return nil
}

// Write implements io.Writer.
func (p *Port) Write(buf []byte) (int, error) {
	p.mutex.Acquire()
	defer p.mutex.Release()

	for i, b := range buf {
		if err := p.putByte(b); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// WriteByte implements io.ByteWriter.
func (p *Port) WriteByte(b byte) error {
	p.mutex.Acquire()
	defer p.mutex.Release()

	if err := p.putByte(b); err != nil {
		return err
	}
	return nil
}

var _ io.ReadWriter = (*Port)(nil)

// Read implements io.Reader. It returns the bytes already received without
// waiting for more; a read with nothing pending returns 0 and no error.
func (p *Port) Read(buf []byte) (int, error) {
	p.mutex.Acquire()
	defer p.mutex.Release()

	var n int
	for n < len(buf) && portReadByteFn(p.Base+regLineStatus)&lineStatusDataReady != 0 {
		buf[n] = portReadByteFn(p.Base + regData)
		n++
	}
	return n, nil
}

func (p *Port) putByte(b byte) *kernel.Error {
	for spins := 0; portReadByteFn(p.Base+regLineStatus)&lineStatusTxEmpty == 0; spins++ {
		if spins == maxTxSpins {
			return errTxTimeout
		}
	}

	portWriteByteFn(p.Base+regData, b)
	if p.Mirror {
		portWriteByteFn(debugconPort, b)
	}
	return nil
}
