// Package timer keeps the kernel's notion of time: a tick counter driven by
// the programmable interval timer and a sleep primitive that halts the CPU
// between ticks.
package timer

import (
	"io"
	"nestos/kernel"
	"nestos/kernel/cpu"
	"nestos/kernel/kfmt"
	"sync/atomic"
)

const (
	// BaseFrequency is the input clock of the interval timer in Hz.
	BaseFrequency = 1193180

	// TickFrequency makes one tick last a millisecond.
	TickFrequency = 1000

	channel0Port = 0x40
	commandPort  = 0x43

	// modeSquareWave selects channel 0, lobyte/hibyte access and mode 3.
	modeSquareWave = 0x36
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	haltFn          = cpu.Halt
	portWriteByteFn = cpu.PortWriteByte

	errBadFrequency = &kernel.Error{Module: "timer", Message: "frequency out of range for the interval timer"}
)

// Timer counts ticks since boot. Its counters are only touched through
// atomics because Tick runs in interrupt context and must never wait for the
// code it interrupted.
type Timer struct {
	uptime    uint64
	countdown uint64
	frequency uint32
}

// Init programs the interval timer to raise an interrupt frequency times per
// second.
func (t *Timer) Init(w io.Writer, frequency uint32) *kernel.Error {
	if frequency == 0 || frequency > BaseFrequency {
		return errBadFrequency
	}

	divisor := BaseFrequency / frequency
	if divisor > 0xffff {
		return errBadFrequency
	}

	portWriteByteFn(commandPort, modeSquareWave)
	portWriteByteFn(channel0Port, uint8(divisor))
	portWriteByteFn(channel0Port, uint8(divisor>>8))
	t.frequency = frequency

	kfmt.Fprintf(w, "interval timer running at %dHz (divisor %d)\n", frequency, divisor)
	return nil
}

// DriverName implements driver.Driver.
func (t *Timer) DriverName() string {
	return "pit"
}

// DriverVersion implements driver.Driver.
func (t *Timer) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements driver.Driver. It starts the timer at TickFrequency.
func (t *Timer) DriverInit(w io.Writer) *kernel.Error {
	return t.Init(w, TickFrequency)
}

// Tick records the passing of one timer period. It is invoked by the timer
// interrupt handler.
func (t *Timer) Tick() {
	atomic.AddUint64(&t.uptime, 1)

	for {
		remaining := atomic.LoadUint64(&t.countdown)
		if remaining == 0 || atomic.CompareAndSwapUint64(&t.countdown, remaining, remaining-1) {
			return
		}
	}
}

// Sleep blocks for the given number of ticks, halting the CPU until each
// timer interrupt arrives. A new Sleep replaces any countdown in progress.
func (t *Timer) Sleep(ticks uint64) {
	atomic.StoreUint64(&t.countdown, ticks)
	for atomic.LoadUint64(&t.countdown) > 0 {
		haltFn()
	}
}

// Uptime returns the number of ticks since the timer started.
func (t *Timer) Uptime() uint64 {
	return atomic.LoadUint64(&t.uptime)
}
