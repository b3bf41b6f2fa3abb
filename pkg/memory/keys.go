package memory

// Key codes reported through the KeyCode register. Letters, digits, Space,
// Enter, Escape, Backspace and Tab use their ASCII values; arrow, modifier and
// function keys live above 0x7F so guest programs can tell them apart from
// text input.
const (
	KeyEnter     byte = 0x0D
	KeyEscape    byte = 0x1B
	KeyBackspace byte = 0x08
	KeyTab       byte = 0x09
	KeySpace     byte = 0x20

	KeyUp    byte = 0x80
	KeyDown  byte = 0x81
	KeyLeft  byte = 0x82
	KeyRight byte = 0x83

	KeyShift   byte = 0x84
	KeyControl byte = 0x85
	KeyAlt     byte = 0x86

	KeyF1 byte = 0x90
	KeyF2 byte = 0x91
	KeyF3 byte = 0x92
	KeyF4 byte = 0x93
	KeyF5 byte = 0x94
	KeyF6 byte = 0x95
	KeyF7 byte = 0x96
	KeyF8 byte = 0x97
	KeyF9 byte = 0x98
)
