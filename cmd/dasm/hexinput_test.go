package main

import (
	"bytes"
	"testing"
)

func TestReadHexDumpSkipsComments(t *testing.T) {
	input := bytes.NewReader([]byte(`31 c0  // xor eax,eax
/* inc eax */ 40
89 c3
`))

	got, err := readHexDump(input)
	if err != nil {
		t.Fatalf("readHexDump: %v", err)
	}

	want := []byte{0x31, 0xc0, 0x40, 0x89, 0xc3}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestReadHexDumpNoComments(t *testing.T) {
	got, err := readHexDump(bytes.NewReader([]byte("cd80")))
	if err != nil {
		t.Fatalf("readHexDump: %v", err)
	}
	want := []byte{0xcd, 0x80}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}
