package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/tether-sh/tether/internal/envelope"
)

// HandleConn serves one envelope connection: it reads messages until EOF
// and answers each proxy_fetch with a response and each command_request
// with a stdout/stderr stream followed by exit. Fetch failures are mapped
// onto synthesized HTTP statuses so the sandbox-side proxy can relay them
// verbatim; the error type is reserved for protocol-level failures.
func (b *Broker) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := envelope.NewLineReader(conn)
	for {
		msg, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("broker: reading envelope: %v", err)
			return
		}

		switch msg.Type {
		case envelope.TypeProxyFetch:
			b.handleFetchEnvelope(ctx, conn, msg)
		case envelope.TypeCommandRequest:
			b.handleExecEnvelope(ctx, conn, msg)
		default:
			writeEnvelope(conn, envelope.NewError(fmt.Sprintf("unsupported message type %q", msg.Type)))
		}
	}
}

func (b *Broker) handleFetchEnvelope(ctx context.Context, conn net.Conn, msg *envelope.Message) {
	body, err := envelope.DecodeBodyPtr(msg.Body)
	if err != nil {
		writeEnvelope(conn, envelope.NewError(fmt.Sprintf("decoding request body: %v", err)))
		return
	}

	result, err := b.Fetch(ctx, FetchRequest{
		Method:  msg.Method,
		URL:     msg.URL,
		Headers: msg.Headers,
		Body:    body,
	})
	if err != nil {
		status, text := statusForError(err)
		writeEnvelope(conn, envelope.NewResponse(status,
			map[string]string{"Content-Type": "text/plain"}, []byte(text+"\n")))
		return
	}

	writeEnvelope(conn, envelope.NewResponse(result.Status, result.Headers, result.Body))
}

func writeEnvelope(conn net.Conn, msg *envelope.Message) {
	if err := envelope.Write(conn, msg); err != nil {
		log.Printf("broker: writing %s envelope: %v", msg.Type, err)
	}
}
