// Package asm implements the two-pass assembler for the machine's
// instruction set. Pass 1 sizes every statement and collects labels and
// constants; pass 2 re-walks the source and emits byte-exact machine code,
// patching forward label references through a fixup list.
package asm

import (
	"strings"

	"github.com/kadeangell/hackvm/pkg/cpu"
)

type operandShape int

const (
	shapeNone    operandShape = iota
	shapeRd                   // single register in the Rd slot
	shapeRs                   // single register in the Rs slot
	shapeRdRs                 // two registers, brackets tolerated
	shapeRdImm16              // register + 16-bit immediate
	shapeRdImm8               // register + 8-bit immediate
	shapeRdShift              // register + shift distance in the Rs slot
	shapeAddr                 // 16-bit address (label, constant, or number)
)

type opSpec struct {
	opcode byte
	shape  operandShape
}

var opcodes = map[string]opSpec{
	"NOP":     {cpu.OpNOP, shapeNone},
	"HALT":    {cpu.OpHALT, shapeNone},
	"DISPLAY": {cpu.OpDISPLAY, shapeNone},
	"RET":     {cpu.OpRET, shapeNone},
	"PUSHF":   {cpu.OpPUSHF, shapeNone},
	"POPF":    {cpu.OpPOPF, shapeNone},
	"MEMCPY":  {cpu.OpMEMCPY, shapeNone},
	"MEMSET":  {cpu.OpMEMSET, shapeNone},

	"PUTC": {cpu.OpPUTC, shapeRs},
	"PUTS": {cpu.OpPUTS, shapeRs},
	"PUTI": {cpu.OpPUTI, shapeRs},
	"PUTX": {cpu.OpPUTX, shapeRs},
	"PUSH": {cpu.OpPUSH, shapeRs},
	"JMPR": {cpu.OpJMPR, shapeRs},
	"CALLR": {cpu.OpCALLR, shapeRs},

	"POP": {cpu.OpPOP, shapeRd},
	"INC": {cpu.OpINC, shapeRd},
	"DEC": {cpu.OpDEC, shapeRd},
	"NEG": {cpu.OpNEG, shapeRd},
	"NOT": {cpu.OpNOT, shapeRd},

	"MOV":    {cpu.OpMOV, shapeRdRs},
	"LOAD":   {cpu.OpLOAD, shapeRdRs},
	"LOADB":  {cpu.OpLOADB, shapeRdRs},
	"STORE":  {cpu.OpSTORE, shapeRdRs},
	"STOREB": {cpu.OpSTOREB, shapeRdRs},
	"ADD":    {cpu.OpADD, shapeRdRs},
	"SUB":    {cpu.OpSUB, shapeRdRs},
	"MUL":    {cpu.OpMUL, shapeRdRs},
	"DIV":    {cpu.OpDIV, shapeRdRs},
	"AND":    {cpu.OpAND, shapeRdRs},
	"OR":     {cpu.OpOR, shapeRdRs},
	"XOR":    {cpu.OpXOR, shapeRdRs},
	"SHL":    {cpu.OpSHL, shapeRdRs},
	"SHR":    {cpu.OpSHR, shapeRdRs},
	"SAR":    {cpu.OpSAR, shapeRdRs},
	"CMP":    {cpu.OpCMP, shapeRdRs},
	"TEST":   {cpu.OpTEST, shapeRdRs},

	"MOVI": {cpu.OpMOVI, shapeRdImm16},

	"ADDI":  {cpu.OpADDI, shapeRdImm8},
	"SUBI":  {cpu.OpSUBI, shapeRdImm8},
	"ANDI":  {cpu.OpANDI, shapeRdImm8},
	"ORI":   {cpu.OpORI, shapeRdImm8},
	"XORI":  {cpu.OpXORI, shapeRdImm8},
	"CMPI":  {cpu.OpCMPI, shapeRdImm8},
	"TESTI": {cpu.OpTESTI, shapeRdImm8},

	"SHLI": {cpu.OpSHLI, shapeRdShift},
	"SHRI": {cpu.OpSHRI, shapeRdShift},
	"SARI": {cpu.OpSARI, shapeRdShift},

	"JMP":  {cpu.OpJMP, shapeAddr},
	"JZ":   {cpu.OpJZ, shapeAddr},
	"JNZ":  {cpu.OpJNZ, shapeAddr},
	"JC":   {cpu.OpJC, shapeAddr},
	"JNC":  {cpu.OpJNC, shapeAddr},
	"JN":   {cpu.OpJN, shapeAddr},
	"JNN":  {cpu.OpJNN, shapeAddr},
	"JO":   {cpu.OpJO, shapeAddr},
	"JNO":  {cpu.OpJNO, shapeAddr},
	"JA":   {cpu.OpJA, shapeAddr},
	"JBE":  {cpu.OpJBE, shapeAddr},
	"JG":   {cpu.OpJG, shapeAddr},
	"JGE":  {cpu.OpJGE, shapeAddr},
	"JL":   {cpu.OpJL, shapeAddr},
	"JLE":  {cpu.OpJLE, shapeAddr},
	"CALL": {cpu.OpCALL, shapeAddr},
}

// Intel-style condition aliases.
var aliases = map[string]string{
	"JE":  "JZ",
	"JNE": "JNZ",
	"JB":  "JC",
	"JAE": "JNC",
	"JS":  "JN",
	"JNS": "JNN",
}

func lookupMnemonic(name string) (opSpec, bool) {
	upper := strings.ToUpper(name)
	if target, ok := aliases[upper]; ok {
		upper = target
	}
	spec, ok := opcodes[upper]
	return spec, ok
}

// fixup records a deferred address patch: a label whose 16-bit value must be
// written at offset once all labels are known.
type fixup struct {
	offset int
	label  string
	line   int
	col    int
}

// Assembler holds the transient state of one assembly attempt. Labels and
// constants are case-sensitive; mnemonics, registers and directives are not.
type Assembler struct {
	labels map[string]uint16
	consts map[string]int32

	out       []byte
	addr      uint32
	fixups    []fixup
	sourceMap map[uint16]int

	lex  *lexer
	errs ErrorList
}

func NewAssembler() *Assembler {
	return &Assembler{
		labels:    make(map[string]uint16),
		consts:    make(map[string]int32),
		sourceMap: make(map[uint16]int),
	}
}

// Assemble translates source into a flat binary image. It also returns a
// source map from output offsets to 1-based source lines. On failure the
// returned error is an *ErrorList carrying every collected diagnostic; no
// partial output is returned.
func Assemble(source string) ([]byte, map[uint16]int, error) {
	return NewAssembler().Assemble(source)
}

func (a *Assembler) Assemble(source string) ([]byte, map[uint16]int, error) {
	a.lex = newLexer(source)
	a.pass1()
	if len(a.errs.Errors) > 0 {
		return nil, nil, &a.errs
	}

	a.lex = newLexer(source)
	a.addr = 0
	a.pass2()
	if len(a.errs.Errors) == 0 {
		a.resolveFixups()
	}
	if len(a.errs.Errors) > 0 {
		return nil, nil, &a.errs
	}
	return a.out, a.sourceMap, nil
}

// skipLine consumes tokens up to and including the next newline, so one bad
// statement does not cascade into the rest of the pass.
func (a *Assembler) skipLine() {
	for {
		t, err := a.lex.next()
		if err != nil || t.typ == tokNewline || t.typ == tokEOF {
			return
		}
	}
}

func (a *Assembler) next() (token, bool) {
	t, err := a.lex.next()
	if err != nil {
		a.errs.Errors = append(a.errs.Errors, err)
		return token{}, false
	}
	return t, true
}

// expectEnd checks that a statement is followed by end of line or file.
func (a *Assembler) expectEnd() bool {
	t, ok := a.next()
	if !ok {
		a.skipLine()
		return false
	}
	if t.typ != tokNewline && t.typ != tokEOF {
		a.errs.add(UnexpectedToken, t.line, t.col, "expected end of line, found %s", t.typ)
		a.skipLine()
		return false
	}
	return true
}

// pass1 sizes every statement, assigning addresses to labels and values to
// constants. Duplicate labels abort the pass; other diagnostics recover at
// the next line so several errors can be reported at once.
func (a *Assembler) pass1() {
	for {
		t, ok := a.next()
		if !ok {
			a.skipLine()
			continue
		}
		switch t.typ {
		case tokEOF:
			return
		case tokNewline:
			continue

		case tokIdent:
			nt, ok := a.next()
			if !ok {
				a.skipLine()
				continue
			}
			if nt.typ == tokColon {
				if _, exists := a.labels[t.text]; exists {
					a.errs.add(DuplicateLabel, t.line, t.col, "label %q is already defined", t.text)
					return
				}
				a.labels[t.text] = uint16(a.addr)
				continue
			}
			a.lex.unread(nt)
			a.sizeInstruction(t)

		case tokDot:
			a.sizeDirective(t)

		default:
			a.errs.add(UnexpectedToken, t.line, t.col, "expected label, directive or mnemonic, found %s", t.typ)
			a.skipLine()
		}
	}
}

func (a *Assembler) sizeInstruction(t token) {
	spec, ok := lookupMnemonic(t.text)
	if !ok {
		a.errs.add(InvalidMnemonic, t.line, t.col, "unknown mnemonic %q", t.text)
		a.skipLine()
		return
	}
	a.addr += uint32(cpu.InstructionSize(spec.opcode))
	a.skipLine()
}

func (a *Assembler) sizeDirective(dot token) {
	name, ok := a.next()
	if !ok || name.typ != tokIdent {
		a.errs.add(InvalidDirective, dot.line, dot.col, "expected directive name after '.'")
		a.skipLine()
		return
	}

	switch strings.ToUpper(name.text) {
	case "ORG":
		val, ok := a.parseConstValue()
		if !ok {
			a.skipLine()
			return
		}
		if val < 0 || val > 0xFFFF {
			a.errs.add(NumberOutOfRange, name.line, name.col, ".org target %d is outside the address space", val)
			a.skipLine()
			return
		}
		if uint32(val) < a.addr {
			a.errs.add(InvalidDirective, name.line, name.col, ".org cannot move the origin backward")
			a.skipLine()
			return
		}
		a.addr = uint32(val)
		a.expectEnd()

	case "EQU":
		nameTok, ok := a.next()
		if !ok || nameTok.typ != tokIdent {
			a.errs.add(InvalidDirective, name.line, name.col, ".equ expects a constant name")
			a.skipLine()
			return
		}
		comma, ok := a.next()
		if !ok || comma.typ != tokComma {
			a.errs.add(UnexpectedToken, name.line, name.col, ".equ expects a comma after the name")
			a.skipLine()
			return
		}
		val, ok := a.parseConstValue()
		if !ok {
			a.skipLine()
			return
		}
		if _, exists := a.consts[nameTok.text]; exists {
			a.errs.add(DuplicateLabel, nameTok.line, nameTok.col, "constant %q is already defined", nameTok.text)
			a.skipLine()
			return
		}
		a.consts[nameTok.text] = int32(val)
		a.expectEnd()

	case "DB":
		n, ok := a.sizeDataItems(true)
		if !ok {
			return
		}
		a.addr += n

	case "DW":
		n, ok := a.sizeDataItems(false)
		if !ok {
			return
		}
		a.addr += 2 * n

	case "DS":
		val, ok := a.parseConstValue()
		if !ok {
			a.skipLine()
			return
		}
		if val < 0 || val > 0xFFFF {
			a.errs.add(NumberOutOfRange, name.line, name.col, ".ds size %d is out of range", val)
			a.skipLine()
			return
		}
		a.addr += uint32(val)
		a.expectEnd()

	default:
		a.errs.add(InvalidDirective, name.line, name.col, "unknown directive .%s", name.text)
		a.skipLine()
	}
}

// sizeDataItems counts a comma-separated .db/.dw item list. For .db each
// number, identifier or character is one byte and strings contribute their
// length; for .dw every item is one word and strings are rejected.
func (a *Assembler) sizeDataItems(allowStrings bool) (uint32, bool) {
	var n uint32
	for {
		t, ok := a.next()
		if !ok {
			a.skipLine()
			return 0, false
		}
		switch t.typ {
		case tokString:
			if !allowStrings {
				a.errs.add(InvalidOperand, t.line, t.col, "string literal is not allowed in .dw")
				a.skipLine()
				return 0, false
			}
			n += uint32(len(t.text))
		case tokNumber, tokChar, tokIdent:
			n++
		case tokMinus:
			// unary minus; the number itself follows
			continue
		default:
			a.errs.add(UnexpectedToken, t.line, t.col, "expected data item, found %s", t.typ)
			a.skipLine()
			return 0, false
		}

		sep, ok := a.next()
		if !ok {
			a.skipLine()
			return 0, false
		}
		if sep.typ == tokComma {
			continue
		}
		if sep.typ == tokNewline || sep.typ == tokEOF {
			return n, true
		}
		a.errs.add(UnexpectedToken, sep.line, sep.col, "expected ',' or end of line, found %s", sep.typ)
		a.skipLine()
		return 0, false
	}
}

// parseConstValue parses a value usable in pass 1: a number or character
// with optional unary minus, or an already defined constant.
func (a *Assembler) parseConstValue() (int64, bool) {
	t, ok := a.next()
	if !ok {
		return 0, false
	}
	neg := false
	if t.typ == tokMinus {
		neg = true
		if t, ok = a.next(); !ok {
			return 0, false
		}
	}
	var val int64
	switch t.typ {
	case tokNumber, tokChar:
		val = t.val
	case tokIdent:
		cv, defined := a.consts[t.text]
		if !defined {
			a.errs.add(UndefinedLabel, t.line, t.col, "constant %q is not defined", t.text)
			return 0, false
		}
		val = int64(cv)
	default:
		a.errs.add(UnexpectedToken, t.line, t.col, "expected value, found %s", t.typ)
		return 0, false
	}
	if neg {
		val = -val
	}
	if val < -(1<<31) || val > (1<<31)-1 {
		a.errs.add(NumberOutOfRange, t.line, t.col, "value %d does not fit in 32 bits", val)
		return 0, false
	}
	return val, true
}

// ---- pass 2 ----

// operand is a parsed immediate: either a concrete value or an unresolved
// label reference.
type operand struct {
	val   int64
	label string
	line  int
	col   int
}

// pass2 re-walks the source and emits code. Errors here are fatal: the pass
// stops at the first one so the output buffer never goes incoherent.
func (a *Assembler) pass2() {
	// Labels seen so far in emission order; references to labels not yet in
	// here become fixups.
	seen := make(map[string]uint16)

	for {
		t, ok := a.next()
		if !ok {
			return
		}
		switch t.typ {
		case tokEOF:
			return
		case tokNewline:
			continue

		case tokIdent:
			nt, ok := a.next()
			if !ok {
				return
			}
			if nt.typ == tokColon {
				seen[t.text] = uint16(a.addr)
				continue
			}
			a.lex.unread(nt)
			a.sourceMap[uint16(len(a.out))] = t.line
			if !a.emitInstruction(t, seen) {
				return
			}
			if !a.expectEnd() {
				return
			}

		case tokDot:
			if !a.emitDirective(t, seen) {
				return
			}

		default:
			a.errs.add(UnexpectedToken, t.line, t.col, "expected label, directive or mnemonic, found %s", t.typ)
			return
		}
	}
}

func (a *Assembler) emit(bytes ...byte) {
	a.out = append(a.out, bytes...)
	a.addr += uint32(len(bytes))
}

func (a *Assembler) emit16(v uint16) {
	a.emit(byte(v), byte(v>>8))
}

func (a *Assembler) emitInstruction(t token, seen map[string]uint16) bool {
	spec, ok := lookupMnemonic(t.text)
	if !ok {
		a.errs.add(InvalidMnemonic, t.line, t.col, "unknown mnemonic %q", t.text)
		return false
	}

	switch spec.shape {
	case shapeNone:
		a.emit(spec.opcode)
		return true

	case shapeRd:
		reg, ok := a.parseRegOperand()
		if !ok {
			return false
		}
		a.emit(spec.opcode, cpu.RegByte(reg, 0))
		return true

	case shapeRs:
		reg, ok := a.parseRegOperand()
		if !ok {
			return false
		}
		a.emit(spec.opcode, cpu.RegByte(0, reg))
		return true

	case shapeRdRs:
		rd, ok := a.parseRegOperand()
		if !ok {
			return false
		}
		if !a.expectComma() {
			return false
		}
		rs, ok := a.parseRegOperand()
		if !ok {
			return false
		}
		a.emit(spec.opcode, cpu.RegByte(rd, rs))
		return true

	case shapeRdImm16:
		rd, ok := a.parseRegOperand()
		if !ok {
			return false
		}
		if !a.expectComma() {
			return false
		}
		op, ok := a.parseImmOperand()
		if !ok {
			return false
		}
		a.emit(spec.opcode, cpu.RegByte(rd, 0))
		return a.emitAddr16(op, seen)

	case shapeRdImm8:
		rd, ok := a.parseRegOperand()
		if !ok {
			return false
		}
		if !a.expectComma() {
			return false
		}
		op, ok := a.parseImmOperand()
		if !ok {
			return false
		}
		val, ok := a.resolveImm(op)
		if !ok {
			return false
		}
		if val < -128 || val > 255 {
			a.errs.add(NumberOutOfRange, op.line, op.col, "immediate %d does not fit in 8 bits", val)
			return false
		}
		a.emit(spec.opcode, cpu.RegByte(rd, 0), byte(val))
		return true

	case shapeRdShift:
		rd, ok := a.parseRegOperand()
		if !ok {
			return false
		}
		if !a.expectComma() {
			return false
		}
		op, ok := a.parseImmOperand()
		if !ok {
			return false
		}
		val, ok := a.resolveImm(op)
		if !ok {
			return false
		}
		if val < 0 || val > 7 {
			a.errs.add(NumberOutOfRange, op.line, op.col, "shift distance %d must be 0..7", val)
			return false
		}
		a.emit(spec.opcode, cpu.RegByte(rd, byte(val)))
		return true

	case shapeAddr:
		op, ok := a.parseImmOperand()
		if !ok {
			return false
		}
		a.emit(spec.opcode)
		return a.emitAddr16(op, seen)
	}
	return false
}

// emitAddr16 writes a 16-bit operand. Backward label references and
// constants resolve immediately; forward references emit a zero placeholder
// and a fixup.
func (a *Assembler) emitAddr16(op operand, seen map[string]uint16) bool {
	if op.label != "" {
		if addr, ok := seen[op.label]; ok {
			a.emit16(addr)
			return true
		}
		a.fixups = append(a.fixups, fixup{offset: len(a.out), label: op.label, line: op.line, col: op.col})
		a.emit16(0)
		return true
	}
	if op.val < -(1<<15) || op.val > 0xFFFF {
		a.errs.add(NumberOutOfRange, op.line, op.col, "immediate %d does not fit in 16 bits", op.val)
		return false
	}
	a.emit16(uint16(op.val))
	return true
}

func (a *Assembler) emitDirective(dot token, seen map[string]uint16) bool {
	name, ok := a.next()
	if !ok || name.typ != tokIdent {
		a.errs.add(InvalidDirective, dot.line, dot.col, "expected directive name after '.'")
		return false
	}
	a.sourceMap[uint16(len(a.out))] = name.line

	switch strings.ToUpper(name.text) {
	case "ORG":
		val, ok := a.parseConstValue()
		if !ok {
			return false
		}
		if int(val) < len(a.out) {
			a.errs.add(InvalidDirective, name.line, name.col, ".org cannot move the origin backward")
			return false
		}
		for len(a.out) < int(val) {
			a.out = append(a.out, 0)
		}
		a.addr = uint32(val)
		return a.expectEnd()

	case "EQU":
		// Constants were recorded in pass 1; skip the definition here.
		a.skipLine()
		return true

	case "DB":
		return a.emitDataItems(name, seen, 1)

	case "DW":
		return a.emitDataItems(name, seen, 2)

	case "DS":
		val, ok := a.parseConstValue()
		if !ok {
			return false
		}
		for i := int64(0); i < val; i++ {
			a.emit(0)
		}
		return a.expectEnd()
	}

	a.errs.add(InvalidDirective, name.line, name.col, "unknown directive .%s", name.text)
	return false
}

// emitDataItems emits a .db (width 1) or .dw (width 2) item list.
func (a *Assembler) emitDataItems(name token, seen map[string]uint16, width int) bool {
	for {
		t, ok := a.next()
		if !ok {
			return false
		}

		if t.typ == tokString {
			if width != 1 {
				a.errs.add(InvalidOperand, t.line, t.col, "string literal is not allowed in .dw")
				return false
			}
			a.emit([]byte(t.text)...)
		} else {
			a.lex.unread(t)
			op, ok := a.parseImmOperand()
			if !ok {
				return false
			}
			if width == 1 {
				val, ok := a.resolveImm(op)
				if !ok {
					return false
				}
				if val < -128 || val > 255 {
					a.errs.add(NumberOutOfRange, op.line, op.col, "data byte %d does not fit in 8 bits", val)
					return false
				}
				a.emit(byte(val))
			} else {
				if !a.emitAddr16(op, seen) {
					return false
				}
			}
		}

		sep, ok := a.next()
		if !ok {
			return false
		}
		if sep.typ == tokComma {
			continue
		}
		if sep.typ == tokNewline || sep.typ == tokEOF {
			return true
		}
		a.errs.add(UnexpectedToken, sep.line, sep.col, "expected ',' or end of line, found %s", sep.typ)
		return false
	}
}

func (a *Assembler) expectComma() bool {
	t, ok := a.next()
	if !ok {
		return false
	}
	if t.typ != tokComma {
		a.errs.add(UnexpectedToken, t.line, t.col, "expected ',', found %s", t.typ)
		return false
	}
	return true
}

// parseRegOperand accepts R0..R7, optionally wrapped in brackets for memory
// operands ([R3]). Register names are case-insensitive.
func (a *Assembler) parseRegOperand() (byte, bool) {
	t, ok := a.next()
	if !ok {
		return 0, false
	}
	bracketed := false
	if t.typ == tokLBracket {
		bracketed = true
		if t, ok = a.next(); !ok {
			return 0, false
		}
	}
	if t.typ != tokIdent {
		a.errs.add(InvalidRegister, t.line, t.col, "expected register, found %s", t.typ)
		return 0, false
	}
	upper := strings.ToUpper(t.text)
	if len(upper) != 2 || upper[0] != 'R' || upper[1] < '0' || upper[1] > '7' {
		a.errs.add(InvalidRegister, t.line, t.col, "invalid register %q", t.text)
		return 0, false
	}
	reg := upper[1] - '0'
	if bracketed {
		closing, ok := a.next()
		if !ok {
			return 0, false
		}
		if closing.typ != tokRBracket {
			a.errs.add(UnexpectedToken, closing.line, closing.col, "expected ']', found %s", closing.typ)
			return 0, false
		}
	}
	return reg, true
}

// parseImmOperand parses an immediate: a number or character with optional
// unary minus, or an identifier naming a constant or label.
func (a *Assembler) parseImmOperand() (operand, bool) {
	t, ok := a.next()
	if !ok {
		return operand{}, false
	}
	neg := false
	if t.typ == tokMinus {
		neg = true
		if t, ok = a.next(); !ok {
			return operand{}, false
		}
	}

	switch t.typ {
	case tokNumber, tokChar:
		val := t.val
		if neg {
			val = -val
		}
		return operand{val: val, line: t.line, col: t.col}, true

	case tokIdent:
		if neg {
			a.errs.add(InvalidOperand, t.line, t.col, "cannot negate identifier %q", t.text)
			return operand{}, false
		}
		if cv, defined := a.consts[t.text]; defined {
			return operand{val: int64(cv), line: t.line, col: t.col}, true
		}
		return operand{label: t.text, line: t.line, col: t.col}, true
	}

	a.errs.add(UnexpectedToken, t.line, t.col, "expected immediate operand, found %s", t.typ)
	return operand{}, false
}

// resolveImm forces an operand to a concrete value, resolving identifiers
// against constants first and then labels. Used for the 8-bit slots, where
// fixups are not available.
func (a *Assembler) resolveImm(op operand) (int64, bool) {
	if op.label == "" {
		return op.val, true
	}
	if addr, ok := a.labels[op.label]; ok {
		return int64(addr), true
	}
	a.errs.add(UndefinedLabel, op.line, op.col, "label %q is not defined", op.label)
	return 0, false
}

// resolveFixups patches every forward reference with the address collected
// in pass 1. An unresolved label is fatal.
func (a *Assembler) resolveFixups() {
	for _, f := range a.fixups {
		addr, ok := a.labels[f.label]
		if !ok {
			a.errs.add(UndefinedLabel, f.line, f.col, "label %q is not defined", f.label)
			return
		}
		a.out[f.offset] = byte(addr)
		a.out[f.offset+1] = byte(addr >> 8)
	}
}
