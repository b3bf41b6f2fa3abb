// Command desktop runs a binary in a window: the framebuffer is presented at
// 4x scale, the keyboard is latched into the MMIO registers, and the wall
// clock drives the guest timers.
package main

import (
	"flag"
	"image/color"
	"os"
	"strings"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/text"
	"github.com/retroenv/retrogolib/log"
	"golang.org/x/image/font/basicfont"

	"github.com/kadeangell/hackvm/pkg/asm"
	"github.com/kadeangell/hackvm/pkg/cpu"
	"github.com/kadeangell/hackvm/pkg/memory"
)

const (
	scale = 4

	// cyclesPerFrame meters the guest against the 60 Hz tick; roughly a
	// 6 MHz machine.
	cyclesPerFrame = 100_000
)

// keyMap translates host keys to the guest's key codes. Letters and digits
// are appended at startup.
var keyMap = map[ebiten.Key]byte{
	ebiten.KeyEnter:        memory.KeyEnter,
	ebiten.KeyEscape:       memory.KeyEscape,
	ebiten.KeyBackspace:    memory.KeyBackspace,
	ebiten.KeyTab:          memory.KeyTab,
	ebiten.KeySpace:        memory.KeySpace,
	ebiten.KeyArrowUp:      memory.KeyUp,
	ebiten.KeyArrowDown:    memory.KeyDown,
	ebiten.KeyArrowLeft:    memory.KeyLeft,
	ebiten.KeyArrowRight:   memory.KeyRight,
	ebiten.KeyShiftLeft:    memory.KeyShift,
	ebiten.KeyShiftRight:   memory.KeyShift,
	ebiten.KeyControlLeft:  memory.KeyControl,
	ebiten.KeyControlRight: memory.KeyControl,
	ebiten.KeyAltLeft:      memory.KeyAlt,
	ebiten.KeyAltRight:     memory.KeyAlt,
}

func init() {
	for i := 0; i < 26; i++ {
		keyMap[ebiten.KeyA+ebiten.Key(i)] = byte('A' + i)
	}
	for i := 0; i < 10; i++ {
		keyMap[ebiten.KeyDigit0+ebiten.Key(i)] = byte('0' + i)
	}
	for i := 0; i < 9; i++ {
		keyMap[ebiten.KeyF1+ebiten.Key(i)] = memory.KeyF1 + byte(i)
	}
}

type Game struct {
	vm  *cpu.CPU
	mem *memory.Memory

	screen   *ebiten.Image // reused 128x128 canvas
	lastTick time.Time

	showConsole bool
	consoleTail string
}

func (g *Game) Update() error {
	now := time.Now()
	if !g.lastTick.IsZero() {
		elapsed := now.Sub(g.lastTick).Milliseconds()
		if elapsed > 0 {
			g.mem.TickTimers(uint16(elapsed))
		}
	}
	g.lastTick = now

	for key, code := range keyMap {
		if inpututil.IsKeyJustPressed(key) {
			g.mem.SetKey(code, true)
		}
		if inpututil.IsKeyJustReleased(key) {
			g.mem.SetKey(code, false)
		}
	}

	if !g.vm.Halted {
		g.vm.Step(cyclesPerFrame)
		g.vm.ConsumeDisplay()
	}

	if g.vm.ConsumeConsoleUpdate() {
		g.consoleTail = tailLines(g.vm.ConsoleString(), 4)
	}

	return nil
}

func (g *Game) Draw(screen *ebiten.Image) {
	if g.screen == nil {
		g.screen = ebiten.NewImage(cpu.DisplayWidth, cpu.DisplayHeight)
	}
	g.screen.WritePixels(g.vm.FramebufferRGBA())

	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(scale, scale)
	screen.DrawImage(g.screen, op)

	if g.showConsole && g.consoleTail != "" {
		y := cpu.DisplayHeight*scale - 4
		for i, line := range reverseLines(g.consoleTail) {
			text.Draw(screen, line, basicfont.Face7x13, 4, y-i*14, color.White)
		}
	}
}

func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return cpu.DisplayWidth * scale, cpu.DisplayHeight * scale
}

// tailLines returns the last n lines of s.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func reverseLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}

func main() {
	showConsole := flag.Bool("console", true, "overlay the guest console on the display")
	flag.Parse()

	logger := log.NewWithConfig(log.DefaultConfig())
	if flag.NArg() != 1 {
		logger.Error("usage: desktop [-console=false] <program.bin|program.asm>")
		os.Exit(2)
	}

	path := flag.Arg(0)
	image, err := loadImage(path)
	if err != nil {
		logger.Error("loading program failed", log.String("file", path), log.Err(err))
		os.Exit(1)
	}

	mem := memory.New()
	vm := cpu.New(mem)
	mem.LoadProgram(image)

	ebiten.SetWindowSize(cpu.DisplayWidth*scale, cpu.DisplayHeight*scale)
	ebiten.SetWindowTitle("HackVM")
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	game := &Game{vm: vm, mem: mem, showConsole: *showConsole}
	if err := ebiten.RunGame(game); err != nil {
		logger.Error("game loop failed", log.Err(err))
		os.Exit(1)
	}
}

// loadImage reads a binary, assembling first when given an .asm source.
func loadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".asm") {
		code, _, err := asm.Assemble(string(data))
		if err != nil {
			return nil, err
		}
		return code, nil
	}
	return data, nil
}
