package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadeangell/hackvm/pkg/memory"
)

// newVM builds a machine with program loaded at address 0.
func newVM(program ...byte) *CPU {
	mem := memory.New()
	mem.LoadProgram(program)
	return New(mem)
}

// run executes the program until HALT.
func run(program ...byte) *CPU {
	c := newVM(program...)
	c.Run()
	return c
}

func movi(reg byte, val uint16) []byte {
	return []byte{OpMOVI, RegByte(reg, 0), byte(val), byte(val >> 8)}
}

func prog(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestMovAndMovi(t *testing.T) {
	c := run(prog(
		movi(3, 0xBEEF),
		[]byte{OpMOV, RegByte(5, 3)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, uint16(0xBEEF), c.Regs[3])
	assert.Equal(t, uint16(0xBEEF), c.Regs[5])
}

func TestSubFlagsZeroResult(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 5),
		movi(1, 5),
		[]byte{OpSUB, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0), c.Regs[0])
	assert.True(c.Z)
	assert.False(c.C)
	assert.False(c.N)
	assert.False(c.V)
}

func TestSubFlagsBorrow(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 0),
		movi(1, 1),
		[]byte{OpSUB, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0xFFFF), c.Regs[0])
	assert.False(c.Z)
	assert.True(c.C)
	assert.True(c.N)
	assert.False(c.V)
}

func TestAddCarryAndOverflow(t *testing.T) {
	assert := assert.New(t)

	c := run(prog(
		movi(0, 0xFFFF),
		movi(1, 1),
		[]byte{OpADD, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0), c.Regs[0])
	assert.True(c.C, "unsigned wraparound sets C")
	assert.True(c.Z)
	assert.False(c.V, "0xFFFF + 1 does not overflow signed")

	c = run(prog(
		movi(0, 0x7FFF),
		movi(1, 1),
		[]byte{OpADD, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0x8000), c.Regs[0])
	assert.False(c.C)
	assert.True(c.N)
	assert.True(c.V, "positive + positive -> negative overflows")
}

func TestSubSignedOverflow(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 0x8000),
		movi(1, 1),
		[]byte{OpSUB, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0x7FFF), c.Regs[0])
	assert.True(c.V, "most negative minus one overflows")
	assert.False(c.C)
}

func TestAddiZeroExtendsImmediate(t *testing.T) {
	// 0x80 is a plain 128, not -128: key codes above 0x7F depend on it.
	c := run(prog(
		movi(0, 1),
		[]byte{OpADDI, RegByte(0, 0), 0x80},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, uint16(0x81), c.Regs[0])
}

func TestCmpiAgainstHighKeyCode(t *testing.T) {
	c := run(prog(
		movi(1, 0x80),
		[]byte{OpCMPI, RegByte(1, 0), 0x80},
		[]byte{OpHALT},
	)...)
	assert.True(t, c.Z, "CMPI 0x80 must match a register holding 0x80")
}

func TestMulKeepsLow16(t *testing.T) {
	c := run(prog(
		movi(2, 300),
		movi(3, 300),
		[]byte{OpMUL, RegByte(2, 3)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, uint16(90000%65536), c.Regs[2])
	assert.False(t, c.Z)
}

func TestDivQuotientAndRemainder(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(3, 17),
		movi(4, 5),
		[]byte{OpDIV, RegByte(3, 4)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(3), c.Regs[3])
	assert.Equal(uint16(2), c.Regs[0], "remainder always lands in R0")
}

func TestDivByZero(t *testing.T) {
	c := run(prog(
		movi(3, 1234),
		movi(4, 0),
		[]byte{OpDIV, RegByte(3, 4)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, uint16(0xFFFF), c.Regs[3])
	assert.Equal(t, uint16(1234), c.Regs[0])
}

func TestDivByZeroIntoR0(t *testing.T) {
	// Quotient is written first, remainder last, so R0 ends as the dividend.
	c := run(prog(
		movi(0, 1234),
		movi(1, 0),
		[]byte{OpDIV, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, uint16(1234), c.Regs[0])
}

func TestIncDecNeg(t *testing.T) {
	assert := assert.New(t)

	c := run(prog(
		movi(1, 0xFFFF),
		[]byte{OpINC, RegByte(1, 0)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0), c.Regs[1])
	assert.True(c.C)
	assert.True(c.Z)

	c = run(prog(
		movi(1, 0),
		[]byte{OpDEC, RegByte(1, 0)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0xFFFF), c.Regs[1])
	assert.True(c.C, "0 - 1 borrows")

	c = run(prog(
		movi(1, 5),
		[]byte{OpNEG, RegByte(1, 0)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0xFFFB), c.Regs[1])
	assert.True(c.C)
	assert.True(c.N)
}

func TestShiftRegisterCount(t *testing.T) {
	assert := assert.New(t)

	c := run(prog(
		movi(0, 0x8001),
		movi(1, 1),
		[]byte{OpSHL, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0x0002), c.Regs[0])
	assert.True(c.C, "bit 15 was shifted out")

	c = run(prog(
		movi(0, 0x0003),
		movi(1, 1),
		[]byte{OpSHR, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0x0001), c.Regs[0])
	assert.True(c.C, "bit 0 was shifted out")

	// Count is masked to 4 bits: 16 behaves as 0 and leaves C alone.
	c = run(prog(
		movi(0, 0x1234),
		movi(1, 16),
		[]byte{OpSHL, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0x1234), c.Regs[0])
	assert.False(c.C)
}

func TestShiftArithmeticRight(t *testing.T) {
	c := run(prog(
		movi(0, 0x8000),
		movi(1, 4),
		[]byte{OpSAR, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, uint16(0xF800), c.Regs[0])
	assert.True(t, c.N)
}

func TestShiftImmediateDistanceInRsField(t *testing.T) {
	c := run(prog(
		movi(0, 0x0001),
		[]byte{OpSHLI, RegByte(0, 7)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, uint16(0x0080), c.Regs[0])
}

func TestCmpDoesNotWriteRd(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 7),
		movi(1, 7),
		[]byte{OpCMP, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(7), c.Regs[0])
	assert.True(c.Z)
}

func TestTestDoesNotWriteRd(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 0x00F0),
		movi(1, 0x000F),
		[]byte{OpTEST, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0x00F0), c.Regs[0])
	assert.True(c.Z)
}

func TestLoadStore(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 0x9000),
		movi(1, 0xCAFE),
		[]byte{OpSTORE, RegByte(0, 1)},
		movi(2, 0x9000),
		[]byte{OpLOAD, RegByte(3, 2)},
		[]byte{OpLOADB, RegByte(4, 2)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0xCAFE), c.Regs[3])
	assert.Equal(uint16(0x00FE), c.Regs[4], "LOADB zero-extends the low byte")
}

func TestStorebWritesLowByte(t *testing.T) {
	c := run(prog(
		movi(0, 0x9000),
		movi(1, 0x1234),
		[]byte{OpSTOREB, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, byte(0x34), c.Mem.Read8(0x9000))
	assert.Equal(t, byte(0x00), c.Mem.Read8(0x9001))
}

func TestPushPopRoundTrip(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(3, 0xABCD),
		[]byte{OpPUSH, RegByte(0, 3)},
		movi(3, 0),
		[]byte{OpPOP, RegByte(3, 0)},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0xABCD), c.Regs[3])
	assert.Equal(InitialSP, c.SP)
}

func TestPushStoresBelowSP(t *testing.T) {
	c := run(prog(
		movi(1, 0x1122),
		[]byte{OpPUSH, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	assert.Equal(t, InitialSP-2, c.SP)
	assert.Equal(t, uint16(0x1122), c.Mem.Read16(c.SP))
}

func TestPushfPopf(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 0),
		movi(1, 1),
		[]byte{OpSUB, RegByte(0, 1)}, // C=1, N=1
		[]byte{OpPUSHF},
		movi(2, 5),
		[]byte{OpCMP, RegByte(2, 2)}, // Z=1, clears C and N
		[]byte{OpPOPF},
		[]byte{OpHALT},
	)...)
	assert.False(c.Z)
	assert.True(c.C)
	assert.True(c.N)
	assert.False(c.V)
}

func TestCallRetRoundTrip(t *testing.T) {
	assert := assert.New(t)
	// 0: CALL 4 / 3: HALT / 4: NOP / 5: RET
	c := run(
		OpCALL, 0x04, 0x00,
		OpHALT,
		OpNOP,
		OpRET,
	)
	assert.True(c.Halted)
	assert.Equal(uint16(4), c.PC, "PC rests one past HALT")
	assert.Equal(InitialSP, c.SP)
}

func TestCallrUsesRegister(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(2, 8), // address of the HALT below
		[]byte{OpCALLR, RegByte(0, 2)},
		[]byte{OpNOP},
		[]byte{OpNOP},
		[]byte{OpHALT},
	)...)
	assert.True(c.Halted)
	assert.Equal(InitialSP-2, c.SP, "return address stays pushed")
	assert.Equal(uint16(6), c.Mem.Read16(c.SP))
}

func TestConditionalJumps(t *testing.T) {
	tests := []struct {
		name  string
		op    byte
		z, cf bool
		n, v  bool
		taken bool
	}{
		{"JZ taken", OpJZ, true, false, false, false, true},
		{"JZ not taken", OpJZ, false, false, false, false, false},
		{"JNZ", OpJNZ, false, false, false, false, true},
		{"JC", OpJC, false, true, false, false, true},
		{"JNC", OpJNC, false, false, false, false, true},
		{"JN", OpJN, false, false, true, false, true},
		{"JNN not taken", OpJNN, false, false, true, false, false},
		{"JO", OpJO, false, false, false, true, true},
		{"JNO", OpJNO, false, false, false, false, true},
		{"JA", OpJA, false, false, false, false, true},
		{"JA blocked by C", OpJA, false, true, false, false, false},
		{"JBE", OpJBE, true, false, false, false, true},
		{"JG", OpJG, false, false, false, false, true},
		{"JG blocked by Z", OpJG, true, false, false, false, false},
		{"JGE N!=V", OpJGE, false, false, true, false, false},
		{"JL", OpJL, false, false, true, false, true},
		{"JLE via Z", OpJLE, true, false, false, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// 0: Jcc 5 / 3: HALT / 4: pad / 5: HALT
			c := newVM(tc.op, 0x05, 0x00, OpHALT, OpNOP, OpHALT)
			c.Z, c.C, c.N, c.V = tc.z, tc.cf, tc.n, tc.v
			used := c.Step(2)
			if tc.taken {
				assert.Equal(t, uint64(4), used, "taken branch costs 4")
				assert.Equal(t, uint16(5), c.PC)
			} else {
				assert.Equal(t, uint64(2), used, "skipped branch costs 2")
				assert.Equal(t, uint16(3), c.PC, "PC points past the target")
			}
		})
	}
}

func TestJmpUnconditional(t *testing.T) {
	c := run(
		OpJMP, 0x04, 0x00,
		OpNOP,
		OpHALT,
	)
	assert.True(t, c.Halted)
	assert.Equal(t, uint16(5), c.PC)
}

func TestFillScreenScenario(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newVM(prog(
		movi(0, 0x4000),
		movi(1, 0xE0),
		movi(2, 16384),
		[]byte{OpMEMSET},
		[]byte{OpDISPLAY},
		[]byte{OpHALT},
	)...)

	// Step parks on a pending display request, so act as the host: present
	// (consume) each request and remember that one was raised.
	displayed := false
	for !c.Halted {
		c.Step(1 << 20)
		if c.ConsumeDisplay() {
			displayed = true
		}
	}

	require.True(c.Halted)
	assert.True(displayed, "DISPLAY raised the display request")
	assert.Equal(uint16(0x8000), c.Regs[0])
	assert.Equal(uint16(0xE0), c.Regs[1])
	assert.Equal(uint16(0), c.Regs[2])
	assert.Equal(uint64(17399), c.Cycles)

	fb := c.Mem.Framebuffer()
	for i, b := range fb {
		if b != 0xE0 {
			t.Fatalf("framebuffer byte %d = 0x%02X, want 0xE0", i, b)
		}
	}
}

func TestMemcpy(t *testing.T) {
	assert := assert.New(t)
	c := newVM(prog(
		movi(0, 0x9000),
		movi(1, 0xA000),
		movi(2, 4),
		[]byte{OpMEMCPY},
		[]byte{OpHALT},
	)...)
	for i, b := range []byte{0xDE, 0xAD, 0xBE, 0xEF} {
		c.Mem.Write8(0x9000+uint16(i), b)
	}
	c.Run()

	for i, want := range []byte{0xDE, 0xAD, 0xBE, 0xEF} {
		assert.Equal(want, c.Mem.Read8(0xA000+uint16(i)))
	}
	assert.Equal(uint16(0x9004), c.Regs[0])
	assert.Equal(uint16(0xA004), c.Regs[1])
	assert.Equal(uint16(0), c.Regs[2])
}

func TestMemcpyZeroCount(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 0x9000),
		movi(1, 0xA000),
		movi(2, 0),
		[]byte{OpMEMCPY},
		[]byte{OpHALT},
	)...)
	assert.Equal(uint16(0x9000), c.Regs[0])
	assert.Equal(uint16(0xA000), c.Regs[1])
	assert.Equal(uint16(0), c.Regs[2])
}

func TestStepAfterHaltDoesNothing(t *testing.T) {
	assert := assert.New(t)
	c := run(OpHALT)
	before := c.Cycles
	snapshot := c.Mem.Read16(0x8000)

	assert.Equal(uint64(0), c.Step(1000))
	assert.Equal(before, c.Cycles)
	assert.Equal(snapshot, c.Mem.Read16(0x8000))
}

func TestUnknownOpcodeIsNop(t *testing.T) {
	assert := assert.New(t)
	c := newVM(0xFF, OpHALT)
	used := c.Step(10)
	assert.Equal(uint64(2), used, "unknown opcode costs 1, HALT costs 1")
	assert.True(c.Halted)
	assert.Equal(uint16(2), c.PC)
}

func TestStepBudgetOverrun(t *testing.T) {
	// A block op runs to completion even when it blows the budget.
	c := newVM(prog(
		movi(0, 0x9000),
		movi(1, 0xAA),
		movi(2, 1000),
		[]byte{OpMEMSET},
		[]byte{OpHALT},
	)...)
	used := c.Step(10)
	assert.Equal(t, uint64(3+3+3+5+1000), used)
	assert.Equal(t, uint16(0), c.Regs[2])
}

func TestDisplayStopsStep(t *testing.T) {
	assert := assert.New(t)
	c := newVM(OpDISPLAY, OpNOP, OpHALT)

	used := c.Step(1 << 16)
	assert.Equal(uint64(1000), used)
	assert.True(c.DisplayRequested)
	assert.False(c.Halted)

	// Without consuming, the step loop stays parked.
	assert.Equal(uint64(0), c.Step(1<<16))

	assert.True(c.ConsumeDisplay())
	c.Step(1 << 16)
	assert.True(c.Halted)
}

func TestCycleMonotonicity(t *testing.T) {
	c := newVM(prog(
		movi(0, 1),
		movi(1, 2),
		[]byte{OpADD, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)
	var last uint64
	for i := 0; i < 10; i++ {
		c.Step(3)
		if c.Cycles < last {
			t.Fatalf("cycle counter went backward: %d -> %d", last, c.Cycles)
		}
		last = c.Cycles
	}
}

func TestResetKeepsMemory(t *testing.T) {
	assert := assert.New(t)
	c := run(prog(
		movi(0, 0x9000),
		movi(1, 0x4242),
		[]byte{OpSTORE, RegByte(0, 1)},
		[]byte{OpHALT},
	)...)

	c.Reset()
	assert.False(c.Halted)
	assert.Equal(uint16(0), c.PC)
	assert.Equal(InitialSP, c.SP)
	assert.Equal(uint64(0), c.Cycles)
	assert.Equal(uint16(0x4242), c.Mem.Read16(0x9000), "Reset keeps memory")

	c.Init()
	assert.Equal(uint16(0), c.Mem.Read16(0x9000), "Init clears memory")
}

func TestMMIOThroughLoadStore(t *testing.T) {
	assert := assert.New(t)
	c := newVM(prog(
		movi(0, 0xFFF5), // KEY_STATE
		[]byte{OpLOADB, RegByte(1, 0)},
		movi(2, 0xFFF4), // KEY_CODE
		[]byte{OpLOADB, RegByte(3, 2)},
		[]byte{OpHALT},
	)...)
	c.Mem.SetKey('Q', true)
	c.Run()
	assert.Equal(uint16(1), c.Regs[1])
	assert.Equal(uint16('Q'), c.Regs[3])
}
