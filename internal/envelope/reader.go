package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log"
)

// LineReader reassembles newline-delimited messages from a stream whose
// reads may fragment or merge lines. Unparsable lines are skipped so a
// single malformed message never poisons the exchange.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps the stream side of a bridge connection.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next decodable message. It returns io.EOF when the
// stream ends; a trailing line without its newline is still decoded if it
// parses, since the peer may have closed immediately after the final write.
func (lr *LineReader) Next() (*Message, error) {
	for {
		line, err := lr.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var msg Message
			if jsonErr := json.Unmarshal(trimmed, &msg); jsonErr != nil {
				log.Printf("envelope: skipping malformed line (%d bytes): %v", len(trimmed), jsonErr)
			} else {
				return &msg, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
