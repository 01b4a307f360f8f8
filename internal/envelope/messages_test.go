package envelope

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestBodyRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("plain"),
		[]byte("line\nbreaks\nand\x00binary\xff"),
		bytes.Repeat([]byte{0x00, 0x0a, 0xff}, 1024),
	}
	for _, input := range cases {
		encoded := EncodeBody(input)
		if strings.ContainsRune(encoded, '\n') {
			t.Fatalf("encoded body contains newline for input %q", input)
		}
		decoded, err := DecodeBody(encoded)
		if err != nil {
			t.Fatalf("decode failed for input %q: %v", input, err)
		}
		if !bytes.Equal(decoded, input) {
			t.Fatalf("round trip mismatch: got %q, want %q", decoded, input)
		}
	}
}

func TestBodyPtrNilMeansNoBody(t *testing.T) {
	if BodyPtr(nil) != nil {
		t.Fatal("expected nil pointer for nil body")
	}
	decoded, err := DecodeBodyPtr(nil)
	if err != nil || decoded != nil {
		t.Fatalf("expected nil, nil for nil pointer; got %v, %v", decoded, err)
	}

	ptr := BodyPtr([]byte{})
	if ptr == nil {
		t.Fatal("expected non-nil pointer for empty body")
	}
	decoded, err = DecodeBodyPtr(ptr)
	if err != nil {
		t.Fatalf("decode empty body: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty body, got %q", decoded)
	}
}

func TestWriteEmitsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	msg := NewChunk(TypeStdout, []byte("some\noutput"))
	if err := Write(&buf, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("message line is not newline-terminated")
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("message line contains embedded newline: %q", line)
	}

	var decoded Message
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("emitted line is not valid JSON: %v", err)
	}
	if decoded.Type != TypeStdout {
		t.Fatalf("expected type %q, got %q", TypeStdout, decoded.Type)
	}
	data, err := DecodeBody(decoded.Data)
	if err != nil {
		t.Fatalf("chunk decode failed: %v", err)
	}
	if string(data) != "some\noutput" {
		t.Fatalf("chunk payload mismatch: %q", data)
	}
}

// fragmentingReader delivers the underlying stream in tiny, uneven chunks
// to exercise line reassembly across fragmented reads.
type fragmentingReader struct {
	data  []byte
	sizes []int
	pos   int
	call  int
}

func (r *fragmentingReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	size := r.sizes[r.call%len(r.sizes)]
	r.call++
	if size > len(p) {
		size = len(p)
	}
	if r.pos+size > len(r.data) {
		size = len(r.data) - r.pos
	}
	n := copy(p, r.data[r.pos:r.pos+size])
	r.pos += n
	return n, nil
}

func TestLineReaderReassemblesFragments(t *testing.T) {
	var buf bytes.Buffer
	for _, msg := range []*Message{
		NewChunk(TypeStdout, []byte("first")),
		NewChunk(TypeStderr, []byte("second")),
		NewExit(3),
	} {
		if err := Write(&buf, msg); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	reader := NewLineReader(&fragmentingReader{data: buf.Bytes(), sizes: []int{1, 3, 7, 2}})

	first, err := reader.Next()
	if err != nil {
		t.Fatalf("first message: %v", err)
	}
	if first.Type != TypeStdout {
		t.Fatalf("expected stdout, got %q", first.Type)
	}
	second, err := reader.Next()
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	if second.Type != TypeStderr {
		t.Fatalf("expected stderr, got %q", second.Type)
	}
	third, err := reader.Next()
	if err != nil {
		t.Fatalf("third message: %v", err)
	}
	if third.Type != TypeExit || third.Code != 3 {
		t.Fatalf("expected exit 3, got %q code %d", third.Type, third.Code)
	}
	if _, err := reader.Next(); err != io.EOF {
		t.Fatalf("expected EOF at end of stream, got %v", err)
	}
}

func TestLineReaderSkipsMalformedLines(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("this is not json\n")
	buf.WriteString("{\"type\": \"exit\", \"code\"\n") // truncated object
	if err := Write(&buf, NewExit(9)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader := NewLineReader(&buf)
	msg, err := reader.Next()
	if err != nil {
		t.Fatalf("expected valid message after malformed lines: %v", err)
	}
	if msg.Type != TypeExit || msg.Code != 9 {
		t.Fatalf("expected exit 9, got %q code %d", msg.Type, msg.Code)
	}
}

func TestLineReaderDecodesUnterminatedFinalLine(t *testing.T) {
	data, err := json.Marshal(NewExit(4))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	reader := NewLineReader(bytes.NewReader(data)) // no trailing newline
	msg, err := reader.Next()
	if err != nil {
		t.Fatalf("expected trailing message to decode: %v", err)
	}
	if msg.Type != TypeExit || msg.Code != 4 {
		t.Fatalf("expected exit 4, got %q code %d", msg.Type, msg.Code)
	}
}
