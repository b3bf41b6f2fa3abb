//go:build !js

// Command hackvm assembles programs for the virtual machine and runs the
// resulting binaries headlessly.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/retroenv/retrogolib/buildinfo"
	"github.com/retroenv/retrogolib/log"

	"github.com/kadeangell/hackvm/pkg/asm"
	"github.com/kadeangell/hackvm/pkg/cpu"
	"github.com/kadeangell/hackvm/pkg/memory"
)

var (
	version = "0.1.0"
	commit  = ""
	date    = ""
)

func main() {
	inPath := flag.String("in", "", "input assembly file path")
	outPath := flag.String("out", "", "output binary file path (default: input with .bin extension)")
	runProgram := flag.Bool("run", false, "run the assembled binary on the virtual machine")
	runBinPath := flag.String("run-bin", "", "run an existing binary file on the virtual machine")
	screenshot := flag.String("screenshot", "", "write the final framebuffer as a PNG after running")
	debug := flag.Bool("debug", false, "enable debug logging")
	quiet := flag.Bool("q", false, "quiet mode")
	flag.Parse()

	logger := createLogger(*debug, *quiet)

	if *runProgram && *runBinPath != "" {
		logger.Error("use either -run or -run-bin, not both", nil)
		os.Exit(2)
	}

	if !*quiet {
		fmt.Printf("hackvm %s\n\n", buildinfo.Version(version, commit, date))
	}

	assembledOutput := ""
	if *inPath != "" {
		output := *outPath
		if output == "" {
			output = defaultOutputPath(*inPath)
		}
		if err := assembleFile(logger, *inPath, output); err != nil {
			os.Exit(1)
		}
		assembledOutput = output
	}

	runTarget := ""
	switch {
	case *runBinPath != "":
		runTarget = *runBinPath
	case *runProgram:
		if assembledOutput == "" {
			logger.Error("-run requires -in, or use -run-bin <file>", nil)
			os.Exit(2)
		}
		runTarget = assembledOutput
	default:
		if *inPath == "" {
			fmt.Fprintln(os.Stderr, "nothing to do: provide -in to assemble, -run to run assembled output, or -run-bin <file> to run an existing binary")
			flag.Usage()
			os.Exit(2)
		}
		return
	}

	if err := runBinary(logger, runTarget, *screenshot); err != nil {
		logger.Error("run failed", err, log.String("file", runTarget))
		os.Exit(1)
	}
}

func createLogger(debug, quiet bool) *log.Logger {
	cfg := log.DefaultConfig()
	if debug {
		cfg.Level = log.DebugLevel
	} else if quiet {
		cfg.Level = log.ErrorLevel
	}
	return log.NewWithConfig(cfg)
}

func defaultOutputPath(inPath string) string {
	ext := filepath.Ext(inPath)
	if ext == "" {
		return inPath + ".bin"
	}
	return strings.TrimSuffix(inPath, ext) + ".bin"
}

func assembleFile(logger *log.Logger, inPath, outPath string) error {
	source, err := os.ReadFile(inPath)
	if err != nil {
		logger.Error("reading input file failed", err, log.String("file", inPath))
		return err
	}

	code, _, err := asm.Assemble(string(source))
	if err != nil {
		var list *asm.ErrorList
		if errors.As(err, &list) {
			for _, e := range list.Errors {
				fmt.Fprintf(os.Stderr, "%s:%s\n", inPath, e.Error())
			}
		} else {
			logger.Error("assembly failed", err)
		}
		return err
	}

	if err := os.WriteFile(outPath, code, 0o644); err != nil {
		logger.Error("writing binary failed", err, log.String("file", outPath))
		return err
	}

	logger.Info("assembled", log.String("output", outPath), log.Int("bytes", len(code)))
	return nil
}

func runBinary(logger *log.Logger, path, screenshot string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	mem := memory.New()
	vm := cpu.New(mem)
	loaded := mem.LoadProgram(image)
	if loaded < len(image) {
		logger.Info("program truncated", log.Int("loaded", loaded), log.Int("size", len(image)))
	}

	vm.Run()

	if out := vm.ConsoleString(); out != "" {
		fmt.Print(out)
		if !strings.HasSuffix(out, "\n") {
			fmt.Println()
		}
	}

	fmt.Printf(
		"run complete (%s): cycles=%d PC=0x%04X SP=0x%04X flags=0x%02X R0=0x%04X R1=0x%04X R2=0x%04X R3=0x%04X\n",
		path, vm.Cycles, vm.PC, vm.SP, vm.FlagsByte(),
		vm.Regs[0], vm.Regs[1], vm.Regs[2], vm.Regs[3],
	)

	if screenshot != "" {
		if err := vm.SaveScreenshot(screenshot); err != nil {
			return err
		}
		logger.Info("screenshot written", log.String("file", screenshot))
	}
	return nil
}
