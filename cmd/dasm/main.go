// Command dasm disassembles raw x86 machine code, primarily useful
// for eyeballing the hand-emitted hammer loops bitflip's machinecode
// algorithm JITs before they run in an executable mapping.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/knapsack-labs/rowhammer/asmkit"
)

const (
	asmSyntaxArg    = "s"
	inputFormatArg  = "i"
	outputFormatArg = "o"
	bitsArg         = "b"
	helpArg         = "h"

	intelSyntax = "intel"
	attSyntax   = "att"
	goSyntax    = "go"

	hexFormat = "hex"
	rawFormat = "raw"
	b64Format = "b64"

	prettyFormat      = "pretty"
	jsonDisassFormat  = "json"
	jsonVerboseFormat = "jsonv"
	goFormat          = "go"

	appName = "dasm"
	usage   = appName + `
DESCRIPTION
  Disassembles x86 machine code read from stdin, for inspecting the
  hammer loops bitflip's machinecode algorithm generates.

USAGE
  ` + appName + ` [options] < some-file

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(helpArg, false, "Display this information")
	inputFormat := flag.String(inputFormatArg, hexFormat, "The input data format ("+hexFormat+", "+rawFormat+", "+b64Format+")")
	outputFormat := flag.String(outputFormatArg, prettyFormat, "The output format ("+prettyFormat+", "+hexFormat+", "+b64Format+", "+jsonDisassFormat+", "+jsonVerboseFormat+", "+goFormat+")")
	syntax := flag.String(asmSyntaxArg, intelSyntax, "The desired assembly syntax ("+intelSyntax+", "+attSyntax+", "+goSyntax+")")
	bits := flag.Int(bitsArg, 64, "Instruction width in bits (32 or 64)")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	disassembler, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.Syntax(*syntax),
		Bits:   *bits,
	})
	if err != nil {
		return fmt.Errorf("failed to create disassembler - %w", err)
	}

	var binaryInsts []byte
	switch *inputFormat {
	case b64Format:
		b64Str, readErr := io.ReadAll(os.Stdin)
		if readErr != nil {
			return fmt.Errorf("failed to read base64 data from stdin - %w", readErr)
		}
		binaryInsts = make([]byte, base64.StdEncoding.DecodedLen(len(b64Str)))
		_, err = base64.StdEncoding.Decode(binaryInsts, b64Str)
	case hexFormat:
		binaryInsts, err = readHexDump(os.Stdin)
	case rawFormat:
		binaryInsts, err = io.ReadAll(os.Stdin)
	default:
		err = fmt.Errorf("unknown input format: %q", *inputFormat)
	}
	if err != nil {
		return fmt.Errorf("failed to read %q instructions - %w", *inputFormat, err)
	}

	output := bytes.NewBuffer(nil)
	var writer instWriter

	switch *outputFormat {
	case prettyFormat:
		writer = &disassWriter{w: output}
	case hexFormat:
		writer = &encoderWriter{encoder: hex.NewEncoder(output), w: output}
	case b64Format:
		writer = &encoderWriter{encoder: base64.NewEncoder(base64.StdEncoding, output), w: output}
	case jsonDisassFormat:
		writer = &jsonDisassWriter{indent: "  ", w: output}
	case jsonVerboseFormat:
		writer = &jsonVerboseWriter{indent: "  ", w: output}
	case goFormat:
		writer = &goByteSliceWriter{w: output}
	default:
		return fmt.Errorf("unsupported output format: %q", *outputFormat)
	}

	err = disassembler.All(binaryInsts, func(inst asmkit.Inst) error {
		return writer.Write(inst)
	})
	if err != nil {
		return fmt.Errorf("failed to decode instructions - %w", err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to write remaining data to output - %w", err)
	}

	_, err = io.Copy(os.Stdout, output)
	return err
}

type instWriter interface {
	Write(asmkit.Inst) error
	Flush() error
}

var _ instWriter = (*disassWriter)(nil)

type disassWriter struct {
	w io.Writer
}

func (o *disassWriter) Write(inst asmkit.Inst) error {
	_, err := o.w.Write([]byte(inst.Dis + "\n"))
	return err
}

func (o *disassWriter) Flush() error {
	return nil
}

var _ instWriter = (*encoderWriter)(nil)

type encoderWriter struct {
	encoder io.Writer
	w       io.Writer
}

func (o *encoderWriter) Write(inst asmkit.Inst) error {
	_, err := o.encoder.Write([]byte(inst.Dis))
	return err
}

func (o *encoderWriter) Flush() error {
	if closer, ok := o.encoder.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	_, err := o.w.Write([]byte{'\n'})
	return err
}

var _ instWriter = (*jsonDisassWriter)(nil)

type jsonDisassWriter struct {
	indent string
	w      io.Writer
	buf    []string
}

func (o *jsonDisassWriter) Write(inst asmkit.Inst) error {
	o.buf = append(o.buf, inst.Dis)
	return nil
}

func (o *jsonDisassWriter) Flush() error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", o.indent)
	return enc.Encode(o.buf)
}

var _ instWriter = (*jsonVerboseWriter)(nil)

type jsonVerboseWriter struct {
	indent string
	w      io.Writer
	buf    []json.RawMessage
}

func (o *jsonVerboseWriter) Write(inst asmkit.Inst) error {
	item, err := json.MarshalIndent(&inst, "", o.indent)
	if err != nil {
		return err
	}
	o.buf = append(o.buf, item)
	return nil
}

func (o *jsonVerboseWriter) Flush() error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", o.indent)
	return enc.Encode(o.buf)
}

var _ instWriter = (*goByteSliceWriter)(nil)

type goByteSliceWriter struct {
	isInit bool
	w      io.Writer
}

func (o *goByteSliceWriter) Write(inst asmkit.Inst) error {
	if !o.isInit {
		o.isInit = true
		if _, err := o.w.Write([]byte("[]byte {\n")); err != nil {
			return err
		}
	}

	if _, err := o.w.Write([]byte{'\t'}); err != nil {
		return err
	}
	for _, b := range inst.Bin {
		if _, err := fmt.Fprintf(o.w, "0x%x, ", b); err != nil {
			return err
		}
	}
	_, err := o.w.Write([]byte("// " + inst.Dis + "\n"))
	return err
}

func (o *goByteSliceWriter) Flush() error {
	_, err := o.w.Write([]byte{'}', '\n'})
	return err
}
