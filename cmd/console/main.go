// Command console runs a binary without a display. Guest console output is
// streamed to stdout; when stdin is a terminal it is switched to raw mode and
// fed to the keyboard latch so interactive programs work over a plain tty.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/term/termios"
	"github.com/retroenv/retrogolib/log"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/kadeangell/hackvm/pkg/asm"
	"github.com/kadeangell/hackvm/pkg/cpu"
	"github.com/kadeangell/hackvm/pkg/memory"
)

const (
	tickInterval  = 16 * time.Millisecond
	cyclesPerTick = 100_000
)

func main() {
	interactive := flag.Bool("interactive", true, "feed terminal input to the guest keyboard")
	flag.Parse()

	logger := log.NewWithConfig(log.DefaultConfig())
	if flag.NArg() != 1 {
		logger.Error("usage: console [-interactive=false] <program.bin|program.asm>", nil)
		os.Exit(2)
	}

	path := flag.Arg(0)
	image, err := loadImage(path)
	if err != nil {
		logger.Error("loading program failed", err, log.String("file", path))
		os.Exit(1)
	}

	mem := memory.New()
	vm := cpu.New(mem)
	mem.LoadProgram(image)

	var keys chan byte
	if *interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		restore, err := enableRawMode()
		if err != nil {
			logger.Error("enabling raw mode failed", err)
		} else {
			defer restore()
			keys = make(chan byte, 16)
			go pollKeyboard(keys)
		}
	}

	runLoop(vm, mem, keys)

	if out := vm.ConsoleString(); out != "" && !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
}

// runLoop drives the machine at a fixed tick: advance the timers by the
// elapsed wall time, latch at most one key event, then spend the cycle
// budget. Escape stops the run.
func runLoop(vm *cpu.CPU, mem *memory.Memory, keys <-chan byte) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	printed := ""
	last := time.Now()
	keyDown := false

	for !vm.Halted {
		<-ticker.C

		now := time.Now()
		if elapsed := now.Sub(last).Milliseconds(); elapsed > 0 {
			mem.TickTimers(uint16(elapsed))
		}
		last = now

		if keyDown {
			mem.SetKey(0, false)
			keyDown = false
		}
		select {
		case b := <-keys:
			if b == 0x1B {
				return
			}
			mem.SetKey(translateKey(b), true)
			keyDown = true
		default:
		}

		vm.Step(cyclesPerTick)
		vm.ConsumeDisplay()

		if vm.ConsumeConsoleUpdate() {
			printed = flushConsole(vm, printed)
		}
	}
}

// flushConsole prints whatever the guest appended since the previous flush.
func flushConsole(vm *cpu.CPU, printed string) string {
	out := vm.ConsoleString()
	if strings.HasPrefix(out, printed) {
		fmt.Print(out[len(printed):])
	} else {
		// The ring wrapped past our mark; print the whole window again.
		fmt.Print(out)
	}
	return out
}

// translateKey maps a raw tty byte to a guest key code.
func translateKey(b byte) byte {
	switch {
	case b >= 'a' && b <= 'z':
		return b - 'a' + 'A'
	case b == '\r' || b == '\n':
		return memory.KeyEnter
	case b == 0x7F:
		return memory.KeyBackspace
	}
	return b
}

// enableRawMode switches stdin to raw mode and returns the restore func.
func enableRawMode() (func(), error) {
	var original unix.Termios
	fd := os.Stdin.Fd()
	if err := termios.Tcgetattr(fd, &original); err != nil {
		return nil, err
	}
	raw := original
	raw.Lflag &^= unix.ICANON | unix.ECHO
	if err := termios.Tcsetattr(fd, termios.TCSANOW, &raw); err != nil {
		return nil, err
	}
	return func() {
		_ = termios.Tcsetattr(fd, termios.TCSANOW, &original)
	}, nil
}

// pollKeyboard forwards stdin bytes to the key channel.
func pollKeyboard(keys chan<- byte) {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			continue
		}
		select {
		case keys <- buf[0]:
		default:
		}
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
