package cpu

// Opcode values. The first byte of every instruction is the opcode; a
// register byte follows when the instruction names registers, packed as
// [Rd:3][Rs:3][xx:2]. Immediates follow the register byte, little-endian.
const (
	OpNOP     byte = 0x00
	OpHALT    byte = 0x01
	OpDISPLAY byte = 0x02
	OpRET     byte = 0x03
	OpPUSHF   byte = 0x04
	OpPOPF    byte = 0x05
	OpPUTC    byte = 0x06
	OpPUTS    byte = 0x07
	OpPUTI    byte = 0x08
	OpPUTX    byte = 0x09

	OpMOV    byte = 0x10
	OpMOVI   byte = 0x11
	OpLOAD   byte = 0x12
	OpLOADB  byte = 0x13
	OpSTORE  byte = 0x14
	OpSTOREB byte = 0x15
	OpPUSH   byte = 0x16
	OpPOP    byte = 0x17

	OpADD  byte = 0x20
	OpADDI byte = 0x21
	OpSUB  byte = 0x22
	OpSUBI byte = 0x23
	OpMUL  byte = 0x24
	OpDIV  byte = 0x25
	OpINC  byte = 0x26
	OpDEC  byte = 0x27
	OpNEG  byte = 0x28

	OpAND  byte = 0x30
	OpANDI byte = 0x31
	OpOR   byte = 0x32
	OpORI  byte = 0x33
	OpXOR  byte = 0x34
	OpXORI byte = 0x35
	OpNOT  byte = 0x36
	OpSHL  byte = 0x37
	OpSHLI byte = 0x38
	OpSHR  byte = 0x39
	OpSHRI byte = 0x3A
	OpSAR  byte = 0x3B
	OpSARI byte = 0x3C

	OpCMP   byte = 0x40
	OpCMPI  byte = 0x41
	OpTEST  byte = 0x42
	OpTESTI byte = 0x43

	OpJMP  byte = 0x50
	OpJMPR byte = 0x51
	OpJZ   byte = 0x52
	OpJNZ  byte = 0x53
	OpJC   byte = 0x54
	OpJNC  byte = 0x55
	OpJN   byte = 0x56
	OpJNN  byte = 0x57
	OpJO   byte = 0x58
	OpJNO  byte = 0x59
	OpJA   byte = 0x5A
	OpJBE  byte = 0x5B
	OpJG   byte = 0x5C
	OpJGE  byte = 0x5D
	OpJL   byte = 0x5E
	OpJLE  byte = 0x5F

	OpCALL  byte = 0x60
	OpCALLR byte = 0x61

	OpMEMCPY byte = 0x70
	OpMEMSET byte = 0x71
)

// opInfo carries the fixed per-opcode decode data. Size includes the opcode
// byte itself. Cycles is the base cost; PUTS, MEMCPY, MEMSET and taken
// conditional jumps add a dynamic amount on top.
type opInfo struct {
	size   uint16
	cycles uint64
}

var opTable = [256]opInfo{
	OpNOP:     {1, 1},
	OpHALT:    {1, 1},
	OpDISPLAY: {1, 1000},
	OpRET:     {1, 5},
	OpPUSHF:   {1, 3},
	OpPOPF:    {1, 3},
	OpPUTC:    {2, 2},
	OpPUTS:    {2, 3},
	OpPUTI:    {2, 8},
	OpPUTX:    {2, 6},

	OpMOV:    {2, 2},
	OpMOVI:   {4, 3},
	OpLOAD:   {2, 4},
	OpLOADB:  {2, 3},
	OpSTORE:  {2, 4},
	OpSTOREB: {2, 3},
	OpPUSH:   {2, 4},
	OpPOP:    {2, 4},

	OpADD:  {2, 2},
	OpADDI: {3, 3},
	OpSUB:  {2, 2},
	OpSUBI: {3, 3},
	OpMUL:  {2, 8},
	OpDIV:  {2, 12},
	OpINC:  {2, 2},
	OpDEC:  {2, 2},
	OpNEG:  {2, 2},

	OpAND:  {2, 2},
	OpANDI: {3, 3},
	OpOR:   {2, 2},
	OpORI:  {3, 3},
	OpXOR:  {2, 2},
	OpXORI: {3, 3},
	OpNOT:  {2, 2},
	OpSHL:  {2, 2},
	OpSHLI: {2, 2},
	OpSHR:  {2, 2},
	OpSHRI: {2, 2},
	OpSAR:  {2, 2},
	OpSARI: {2, 2},

	OpCMP:   {2, 2},
	OpCMPI:  {3, 3},
	OpTEST:  {2, 2},
	OpTESTI: {3, 3},

	OpJMP:  {3, 3},
	OpJMPR: {2, 2},
	OpJZ:   {3, 2},
	OpJNZ:  {3, 2},
	OpJC:   {3, 2},
	OpJNC:  {3, 2},
	OpJN:   {3, 2},
	OpJNN:  {3, 2},
	OpJO:   {3, 2},
	OpJNO:  {3, 2},
	OpJA:   {3, 2},
	OpJBE:  {3, 2},
	OpJG:   {3, 2},
	OpJGE:  {3, 2},
	OpJL:   {3, 2},
	OpJLE:  {3, 2},

	OpCALL:  {3, 6},
	OpCALLR: {2, 5},

	OpMEMCPY: {1, 5},
	OpMEMSET: {1, 5},
}

// InstructionSize returns the byte length of the instruction starting with
// opcode. Unknown opcodes decode as a one-byte NOP.
func InstructionSize(opcode byte) uint16 {
	if s := opTable[opcode].size; s != 0 {
		return s
	}
	return 1
}

func baseCycles(opcode byte) uint64 {
	if opTable[opcode].size != 0 {
		return opTable[opcode].cycles
	}
	return 1
}

// takenJumpExtra is added on top of the base conditional-jump cost when the
// branch is taken (2 not taken, 4 taken).
const takenJumpExtra = 2

// RegByte packs the register byte: Rd in bits 7..5, Rs in bits 4..2.
func RegByte(rd, rs byte) byte {
	return ((rd & 0x07) << 5) | ((rs & 0x07) << 2)
}

func decodeRegs(b byte) (rd, rs byte) {
	return (b >> 5) & 0x07, (b >> 2) & 0x07
}
