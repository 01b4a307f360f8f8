package envelope

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/tether-sh/tether/internal/transport"
)

// ErrTruncated reports that the peer closed the connection before sending
// a terminal message. Callers that prefer the tolerant legacy behavior can
// opt into treating it as a clean exit via Client.TolerateEOF.
var ErrTruncated = errors.New("connection closed before terminal message")

// RemoteError carries a broker-reported error message for an exchange.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("broker error: %s", e.Message)
}

// Client performs single envelope exchanges against the broker socket.
// Each call opens a fresh transport connection.
type Client struct {
	SocketPath string

	// TolerateEOF makes RunCommand treat an unexpected EOF before a
	// terminal message as exit 0 instead of returning ErrTruncated.
	TolerateEOF bool
}

// Fetch submits one proxy_fetch request and returns the single response
// message. Connect failures surface as *transport.ConnectError and never
// reach the broker.
func (c *Client) Fetch(req *Message) (*Message, error) {
	conn, err := transport.Dial(c.SocketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := Write(conn, req); err != nil {
		return nil, err
	}
	closeWrite(conn)

	reader := NewLineReader(conn)
	for {
		msg, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrTruncated
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		switch msg.Type {
		case TypeResponse:
			return msg, nil
		case TypeError:
			return nil, &RemoteError{Message: msg.Message}
		default:
			log.Printf("envelope: ignoring unexpected %s message in fetch exchange", msg.Type)
		}
	}
}

// RunCommand submits one command_request and streams output to the sinks
// as each chunk decodes, with no batching. It returns the remote exit code.
// Ordering holds within each stream; none is guaranteed between the two.
func (c *Client) RunCommand(req *Message, stdout, stderr io.Writer) (int, error) {
	conn, err := transport.Dial(c.SocketPath)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := Write(conn, req); err != nil {
		return 0, err
	}
	closeWrite(conn)

	reader := NewLineReader(conn)
	for {
		msg, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if c.TolerateEOF {
					return 0, nil
				}
				return 0, ErrTruncated
			}
			return 0, fmt.Errorf("read command output: %w", err)
		}
		switch msg.Type {
		case TypeStdout:
			writeChunk(stdout, msg.Data)
		case TypeStderr:
			writeChunk(stderr, msg.Data)
		case TypeExit:
			return msg.Code, nil
		case TypeError:
			return 0, &RemoteError{Message: msg.Message}
		default:
			log.Printf("envelope: ignoring unexpected %s message in command exchange", msg.Type)
		}
	}
}

func writeChunk(w io.Writer, data string) {
	decoded, err := DecodeBody(data)
	if err != nil {
		log.Printf("envelope: skipping undecodable chunk: %v", err)
		return
	}
	if _, err := w.Write(decoded); err != nil {
		log.Printf("envelope: write chunk: %v", err)
	}
}

// closeWrite half-closes the connection so the broker sees end-of-request
// while the response can still flow back.
func closeWrite(conn net.Conn) {
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}
}
