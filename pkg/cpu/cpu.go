// Package cpu implements the interpreter: fetch/decode/execute, the register
// file and flags, the stack, cycle accounting, and the console ring. Memory
// accesses go through pkg/memory so the MMIO overlay applies to every guest
// load and store, including the block-copy primitives.
package cpu

import (
	"fmt"
	"strconv"

	"github.com/kadeangell/hackvm/pkg/memory"
)

// InitialSP is the reset value of the stack pointer; the stack grows down
// from here in 2-byte steps.
const InitialSP uint16 = 0xFFEF

// CPU is the machine state. The host owns it and drives it through Step;
// nothing here is safe for concurrent use, matching the single-threaded
// cooperative contract.
type CPU struct {
	Regs [8]uint16
	PC   uint16
	SP   uint16

	Z bool
	C bool
	N bool
	V bool

	Halted           bool
	DisplayRequested bool
	WaitingForInput  bool

	Cycles uint64

	Mem *memory.Memory

	console console
}

// New creates a CPU bound to mem. The CPU holds the reference for its whole
// lifetime; Reset does not detach it.
func New(mem *memory.Memory) *CPU {
	c := &CPU{Mem: mem}
	c.Reset()
	return c
}

// Reset restores registers, flags, PC, SP, the cycle counter and the console
// to their power-on state. Memory is left alone.
func (c *CPU) Reset() {
	c.Regs = [8]uint16{}
	c.PC = 0
	c.SP = InitialSP
	c.Z, c.C, c.N, c.V = false, false, false, false
	c.Halted = false
	c.DisplayRequested = false
	c.WaitingForInput = false
	c.Cycles = 0
	c.console.reset()
}

// Init resets both the CPU and its memory.
func (c *CPU) Init() {
	c.Mem.Reset()
	c.Reset()
}

// Register returns GPR i, or zero for an out-of-range index.
func (c *CPU) Register(i int) uint16 {
	if i < 0 || i > 7 {
		return 0
	}
	return c.Regs[i]
}

// FlagsByte packs the flags as Z=bit0, C=bit1, N=bit2, V=bit3.
func (c *CPU) FlagsByte() byte {
	var f byte
	if c.Z {
		f |= 0x01
	}
	if c.C {
		f |= 0x02
	}
	if c.N {
		f |= 0x04
	}
	if c.V {
		f |= 0x08
	}
	return f
}

func (c *CPU) setFlagsByte(f byte) {
	c.Z = f&0x01 != 0
	c.C = f&0x02 != 0
	c.N = f&0x04 != 0
	c.V = f&0x08 != 0
}

// ConsumeDisplay reports whether the guest requested a frame and clears the
// sticky flag so execution can resume.
func (c *CPU) ConsumeDisplay() bool {
	d := c.DisplayRequested
	c.DisplayRequested = false
	return d
}

// Step executes instructions until the cycle budget is spent or a stop
// condition (halt, display request, input wait) is reached. It returns the
// cycles actually consumed; a halted CPU consumes nothing. The last
// instruction may overrun the budget: block ops run to completion and their
// full cost is charged.
func (c *CPU) Step(maxCycles uint64) uint64 {
	if c.Halted {
		return 0
	}
	var used uint64
	for used < maxCycles && !c.Halted && !c.DisplayRequested && !c.WaitingForInput {
		n := c.execute()
		used += n
		c.Cycles += n
	}
	return used
}

// Run executes until HALT, consuming display requests immediately. Headless
// hosts use it; interactive hosts drive Step and present frames themselves.
func (c *CPU) Run() {
	for !c.Halted {
		c.Step(1 << 20)
		c.ConsumeDisplay()
	}
}

func (c *CPU) fetch8() byte {
	b := c.Mem.Read8(c.PC)
	c.PC++
	return b
}

func (c *CPU) fetch16() uint16 {
	v := c.Mem.Read16(c.PC)
	c.PC += 2
	return v
}

func (c *CPU) fetchRegs() (rd, rs byte) {
	return decodeRegs(c.fetch8())
}

func (c *CPU) push16(v uint16) {
	c.SP -= 2
	c.Mem.Write16(c.SP, v)
}

func (c *CPU) pop16() uint16 {
	v := c.Mem.Read16(c.SP)
	c.SP += 2
	return v
}

func (c *CPU) setZN(result uint16) {
	c.Z = result == 0
	c.N = result&0x8000 != 0
}

// addFlags computes a+b with the full flag contract: C on unsigned
// wraparound, V on signed overflow.
func (c *CPU) addFlags(a, b uint16) uint16 {
	result := a + b
	c.C = result < a
	c.V = (a^b)&0x8000 == 0 && (a^result)&0x8000 != 0
	c.setZN(result)
	return result
}

// subFlags computes a-b: C is the borrow (a < b), V signed overflow.
func (c *CPU) subFlags(a, b uint16) uint16 {
	result := a - b
	c.C = a < b
	c.V = (a^b)&0x8000 != 0 && (result^b)&0x8000 == 0
	c.setZN(result)
	return result
}

// shift applies a left/right/arithmetic-right shift of dist bits, updating C
// with the last bit shifted out when dist > 0. dist must already be masked.
func (c *CPU) shift(val uint16, dist uint16, op byte) uint16 {
	if dist == 0 {
		c.setZN(val)
		return val
	}
	var result uint16
	switch op {
	case OpSHL, OpSHLI:
		c.C = (val>>(16-dist))&1 != 0
		result = val << dist
	case OpSHR, OpSHRI:
		c.C = (val>>(dist-1))&1 != 0
		result = val >> dist
	default: // SAR, SARI
		c.C = (val>>(dist-1))&1 != 0
		result = uint16(int16(val) >> dist)
	}
	c.setZN(result)
	return result
}

func (c *CPU) branch(cond bool) uint64 {
	target := c.fetch16()
	if cond {
		c.PC = target
		return takenJumpExtra
	}
	return 0
}

// execute runs one instruction and returns its cycle cost. It never fails:
// unknown opcodes are NOPs, every address is readable and writable, and
// division by zero has a defined result.
func (c *CPU) execute() uint64 {
	op := c.fetch8()
	cycles := baseCycles(op)

	switch op {
	case OpNOP:
		// nothing

	case OpHALT:
		c.Halted = true

	case OpDISPLAY:
		c.DisplayRequested = true

	case OpRET:
		c.PC = c.pop16()

	case OpPUSHF:
		c.push16(uint16(c.FlagsByte()))

	case OpPOPF:
		c.setFlagsByte(byte(c.pop16()))

	case OpPUTC:
		_, rs := c.fetchRegs()
		c.console.write(byte(c.Regs[rs]))

	case OpPUTS:
		_, rs := c.fetchRegs()
		addr := c.Regs[rs]
		for n := 0; n < 256; n++ {
			b := c.Mem.Read8(addr)
			if b == 0 {
				break
			}
			c.console.write(b)
			addr++
			cycles++
		}

	case OpPUTI:
		_, rs := c.fetchRegs()
		for _, b := range []byte(strconv.FormatUint(uint64(c.Regs[rs]), 10)) {
			c.console.write(b)
		}

	case OpPUTX:
		_, rs := c.fetchRegs()
		for _, b := range []byte(fmt.Sprintf("0x%04X", c.Regs[rs])) {
			c.console.write(b)
		}

	case OpMOV:
		rd, rs := c.fetchRegs()
		c.Regs[rd] = c.Regs[rs]

	case OpMOVI:
		rd, _ := c.fetchRegs()
		c.Regs[rd] = c.fetch16()

	case OpLOAD:
		rd, rs := c.fetchRegs()
		c.Regs[rd] = c.Mem.Read16(c.Regs[rs])

	case OpLOADB:
		rd, rs := c.fetchRegs()
		c.Regs[rd] = uint16(c.Mem.Read8(c.Regs[rs]))

	case OpSTORE:
		rd, rs := c.fetchRegs()
		c.Mem.Write16(c.Regs[rd], c.Regs[rs])

	case OpSTOREB:
		rd, rs := c.fetchRegs()
		c.Mem.Write8(c.Regs[rd], byte(c.Regs[rs]))

	case OpPUSH:
		_, rs := c.fetchRegs()
		c.push16(c.Regs[rs])

	case OpPOP:
		rd, _ := c.fetchRegs()
		c.Regs[rd] = c.pop16()

	case OpADD:
		rd, rs := c.fetchRegs()
		c.Regs[rd] = c.addFlags(c.Regs[rd], c.Regs[rs])

	case OpADDI:
		rd, _ := c.fetchRegs()
		c.Regs[rd] = c.addFlags(c.Regs[rd], uint16(c.fetch8()))

	case OpSUB:
		rd, rs := c.fetchRegs()
		c.Regs[rd] = c.subFlags(c.Regs[rd], c.Regs[rs])

	case OpSUBI:
		rd, _ := c.fetchRegs()
		c.Regs[rd] = c.subFlags(c.Regs[rd], uint16(c.fetch8()))

	case OpMUL:
		rd, rs := c.fetchRegs()
		result := c.Regs[rd] * c.Regs[rs]
		c.Regs[rd] = result
		c.setZN(result)

	case OpDIV:
		rd, rs := c.fetchRegs()
		a, b := c.Regs[rd], c.Regs[rs]
		var quot, rem uint16
		if b == 0 {
			quot, rem = 0xFFFF, a
		} else {
			quot, rem = a/b, a%b
		}
		// Quotient first, remainder last: with Rd == R0 the remainder wins.
		c.Regs[rd] = quot
		c.setZN(quot)
		c.Regs[0] = rem

	case OpINC:
		rd, _ := c.fetchRegs()
		c.Regs[rd] = c.addFlags(c.Regs[rd], 1)

	case OpDEC:
		rd, _ := c.fetchRegs()
		c.Regs[rd] = c.subFlags(c.Regs[rd], 1)

	case OpNEG:
		rd, _ := c.fetchRegs()
		c.Regs[rd] = c.subFlags(0, c.Regs[rd])

	case OpAND:
		rd, rs := c.fetchRegs()
		result := c.Regs[rd] & c.Regs[rs]
		c.Regs[rd] = result
		c.setZN(result)

	case OpANDI:
		rd, _ := c.fetchRegs()
		result := c.Regs[rd] & uint16(c.fetch8())
		c.Regs[rd] = result
		c.setZN(result)

	case OpOR:
		rd, rs := c.fetchRegs()
		result := c.Regs[rd] | c.Regs[rs]
		c.Regs[rd] = result
		c.setZN(result)

	case OpORI:
		rd, _ := c.fetchRegs()
		result := c.Regs[rd] | uint16(c.fetch8())
		c.Regs[rd] = result
		c.setZN(result)

	case OpXOR:
		rd, rs := c.fetchRegs()
		result := c.Regs[rd] ^ c.Regs[rs]
		c.Regs[rd] = result
		c.setZN(result)

	case OpXORI:
		rd, _ := c.fetchRegs()
		result := c.Regs[rd] ^ uint16(c.fetch8())
		c.Regs[rd] = result
		c.setZN(result)

	case OpNOT:
		rd, _ := c.fetchRegs()
		result := ^c.Regs[rd]
		c.Regs[rd] = result
		c.setZN(result)

	case OpSHL, OpSHR, OpSAR:
		rd, rs := c.fetchRegs()
		c.Regs[rd] = c.shift(c.Regs[rd], c.Regs[rs]&0x0F, op)

	case OpSHLI, OpSHRI, OpSARI:
		// The shift distance rides in the 3-bit Rs field.
		rd, rs := c.fetchRegs()
		c.Regs[rd] = c.shift(c.Regs[rd], uint16(rs), op)

	case OpCMP:
		rd, rs := c.fetchRegs()
		c.subFlags(c.Regs[rd], c.Regs[rs])

	case OpCMPI:
		rd, _ := c.fetchRegs()
		c.subFlags(c.Regs[rd], uint16(c.fetch8()))

	case OpTEST:
		rd, rs := c.fetchRegs()
		c.setZN(c.Regs[rd] & c.Regs[rs])

	case OpTESTI:
		rd, _ := c.fetchRegs()
		c.setZN(c.Regs[rd] & uint16(c.fetch8()))

	case OpJMP:
		c.PC = c.fetch16()

	case OpJMPR:
		_, rs := c.fetchRegs()
		c.PC = c.Regs[rs]

	case OpJZ:
		cycles += c.branch(c.Z)
	case OpJNZ:
		cycles += c.branch(!c.Z)
	case OpJC:
		cycles += c.branch(c.C)
	case OpJNC:
		cycles += c.branch(!c.C)
	case OpJN:
		cycles += c.branch(c.N)
	case OpJNN:
		cycles += c.branch(!c.N)
	case OpJO:
		cycles += c.branch(c.V)
	case OpJNO:
		cycles += c.branch(!c.V)
	case OpJA:
		cycles += c.branch(!c.C && !c.Z)
	case OpJBE:
		cycles += c.branch(c.C || c.Z)
	case OpJG:
		cycles += c.branch(!c.Z && c.N == c.V)
	case OpJGE:
		cycles += c.branch(c.N == c.V)
	case OpJL:
		cycles += c.branch(c.N != c.V)
	case OpJLE:
		cycles += c.branch(c.Z || c.N != c.V)

	case OpCALL:
		target := c.fetch16()
		c.push16(c.PC)
		c.PC = target

	case OpCALLR:
		_, rs := c.fetchRegs()
		c.push16(c.PC)
		c.PC = c.Regs[rs]

	case OpMEMCPY:
		// Ascending byte copy; overlap behavior is deliberately unspecified.
		src, dst, count := c.Regs[0], c.Regs[1], c.Regs[2]
		for i := uint16(0); i < count; i++ {
			c.Mem.Write8(dst, c.Mem.Read8(src))
			src++
			dst++
		}
		c.Regs[0], c.Regs[1], c.Regs[2] = src, dst, 0
		cycles += uint64(count)

	case OpMEMSET:
		dst, val, count := c.Regs[0], byte(c.Regs[1]), c.Regs[2]
		for i := uint16(0); i < count; i++ {
			c.Mem.Write8(dst, val)
			dst++
		}
		c.Regs[0], c.Regs[2] = dst, 0
		cycles += uint64(count)

	default:
		// Unknown opcodes decode as a one-byte NOP.
	}

	return cycles
}
