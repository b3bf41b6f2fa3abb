// Package memory implements the 64 KiB flat store of the machine together
// with the memory-mapped I/O overlay for the timers and the keyboard latch.
package memory

// Memory map regions.
const (
	ProgramBase     uint16 = 0x0000
	FramebufferBase uint16 = 0x4000
	FramebufferSize        = 128 * 128
	RAMBase         uint16 = 0x8000
	StackTop        uint16 = 0xFFEF

	// MaxProgramSize is the largest image LoadProgram will copy; anything
	// beyond it is truncated.
	MaxProgramSize = 0x4000
)

// MMIO overlay registers. Everything from MMIOBase upward is intercepted;
// addresses past KeyState read as zero and ignore writes.
const (
	MMIOBase      uint16 = 0xFFF0
	SysTimerLow   uint16 = 0xFFF0
	SysTimerHigh  uint16 = 0xFFF1
	CountdownLow  uint16 = 0xFFF2
	CountdownHigh uint16 = 0xFFF3
	KeyCode       uint16 = 0xFFF4
	KeyState      uint16 = 0xFFF5
)

// Memory owns the flat store and the MMIO device state. The overlay is not
// backed by the store: timer and keyboard bytes live in dedicated fields and
// the reserved band 0xFFF6-0xFFFF reads as zero.
type Memory struct {
	Store [65536]byte

	sysTimer  uint16
	countdown uint16
	keyCode   byte
	keyState  byte
}

func New() *Memory {
	return &Memory{}
}

// Reset zeroes the store and all MMIO device state.
func (m *Memory) Reset() {
	m.Store = [65536]byte{}
	m.sysTimer = 0
	m.countdown = 0
	m.keyCode = 0
	m.keyState = 0
}

// Read8 reads a single byte. MMIO addresses return the overlay value; all
// other addresses return the raw store. Every address is readable.
func (m *Memory) Read8(addr uint16) byte {
	if addr >= MMIOBase {
		switch addr {
		case SysTimerLow:
			return byte(m.sysTimer)
		case SysTimerHigh:
			return byte(m.sysTimer >> 8)
		case CountdownLow:
			return byte(m.countdown)
		case CountdownHigh:
			return byte(m.countdown >> 8)
		case KeyCode:
			return m.keyCode
		case KeyState:
			return m.keyState
		}
		return 0
	}
	return m.Store[addr]
}

// Write8 writes a single byte. The countdown timer bytes are the only
// writable overlay registers; writes to the rest of the overlay are
// discarded. Every address is writable in the sense that no write fails.
func (m *Memory) Write8(addr uint16, val byte) {
	if addr >= MMIOBase {
		switch addr {
		case CountdownLow:
			m.countdown = (m.countdown & 0xFF00) | uint16(val)
		case CountdownHigh:
			m.countdown = (m.countdown & 0x00FF) | (uint16(val) << 8)
		}
		return
	}
	m.Store[addr] = val
}

// Read16 reads a little-endian word: low byte at addr, high byte at addr+1.
// The address arithmetic wraps modulo 64 KiB.
func (m *Memory) Read16(addr uint16) uint16 {
	lo := uint16(m.Read8(addr))
	hi := uint16(m.Read8(addr + 1))
	return lo | (hi << 8)
}

// Write16 writes a little-endian word, wrapping modulo 64 KiB.
func (m *Memory) Write16(addr uint16, val uint16) {
	m.Write8(addr, byte(val))
	m.Write8(addr+1, byte(val>>8))
}

// TickTimers advances the system timer by deltaMS (wrapping at 16 bits) and
// decrements the countdown timer, saturating at zero.
func (m *Memory) TickTimers(deltaMS uint16) {
	m.sysTimer += deltaMS
	if m.countdown > deltaMS {
		m.countdown -= deltaMS
	} else {
		m.countdown = 0
	}
}

// SetKey latches a key event. A press stores the code and sets the state; a
// release only clears the state so KeyCode keeps reporting the last key.
func (m *Memory) SetKey(code byte, pressed bool) {
	if pressed {
		m.keyCode = code
		m.keyState = 1
	} else {
		m.keyState = 0
	}
}

// LoadProgram copies a flat binary image to address 0, truncating anything
// past MaxProgramSize. Returns the number of bytes actually loaded.
func (m *Memory) LoadProgram(image []byte) int {
	n := len(image)
	if n > MaxProgramSize {
		n = MaxProgramSize
	}
	copy(m.Store[:n], image[:n])
	return n
}

// Framebuffer returns the 16 KiB framebuffer region of the store. The slice
// aliases the store; hosts treat it as read-only.
func (m *Memory) Framebuffer() []byte {
	return m.Store[FramebufferBase : uint32(FramebufferBase)+FramebufferSize]
}

// Bytes returns the whole store for host-side state inspection.
func (m *Memory) Bytes() []byte {
	return m.Store[:]
}
