package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"unicode"
)

// readHexDump converts a stream of hex character pairs into decoded
// bytes, skipping C-style comments so a disassembly session's input
// can be pasted straight out of a debugger or objdump listing (e.g.
// "31 c0  // xor eax,eax") without stripping the annotations by hand.
func readHexDump(r io.Reader) ([]byte, error) {
	dec := &hexDumpDecoder{src: bufio.NewReader(r)}
	buf := bytes.NewBuffer(nil)

	_, err := io.Copy(buf, dec)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf.Bytes(), nil
}

type hexDumpDecoder struct {
	src *bufio.Reader
}

func (d *hexDumpDecoder) Read(p []byte) (int, error) {
	avail := len(p)
	written := 0
	pair := bytes.Buffer{}

	atEOF := false
outer:
	for written < avail {
		b, err := d.src.ReadByte()
		switch {
		case errors.Is(err, io.EOF):
			atEOF = true
			break outer
		case err != nil:
			return written, fmt.Errorf("failed to read next byte - %w", err)
		}

		if b == '/' {
			if err := skipComment(d.src); err != nil {
				return written, err
			}
			continue
		}

		if !isHexDigit(b) {
			continue
		}

		pair.WriteByte(b)
		if pair.Len() == 2 {
			if _, err := hex.Decode(p[written:], pair.Bytes()); err != nil {
				return written, fmt.Errorf("failed to hex-decode byte - %w", err)
			}
			written++
			pair.Reset()
		}
	}

	if atEOF {
		return written, io.EOF
	}
	return written, nil
}

// skipComment consumes a "//" or "/* */" comment. It assumes the
// leading '/' has already been read off src.
func skipComment(src *bufio.Reader) error {
	second, err := src.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read second comment character - %w", err)
	}

	switch second {
	case '/':
		_, err := src.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to skip line comment - %w", err)
		}
		return nil
	case '*':
		for {
			_, err := src.ReadBytes('*')
			if err != nil {
				return fmt.Errorf("failed to find end of block comment - %w", err)
			}
			next, err := src.ReadByte()
			if err != nil {
				return fmt.Errorf("failed to check end of block comment - %w", err)
			}
			if next == '/' {
				return nil
			}
			if err := src.UnreadByte(); err != nil {
				return fmt.Errorf("failed to unread byte - %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown comment start character %q", second)
	}
}

func isHexDigit(b byte) bool {
	return unicode.IsDigit(rune(b)) || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}
