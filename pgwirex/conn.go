package pgwirex

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
)

// Conn provides message framing over a raw network connection using the
// PostgreSQL v3 protocol.  Note that it is not thread-safe, writers must
// coordinate externally.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// ReadMessage reads a single typed message from the connection, returning
// its type byte and payload.  The payload is only valid until the next call.
func (c *Conn) ReadMessage() (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return 0, nil, err
	}

	msgType := header[0]
	msgLen := binary.BigEndian.Uint32(header[1:])
	if msgLen < 4 {
		return 0, nil, protocolError{"invalid message length"}
	}

	payload := make([]byte, msgLen-4)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return 0, nil, err
	}

	return msgType, payload, nil
}

// WriteMessage writes a single typed message.  The write is buffered, the
// caller must invoke Flush once a batch of messages is complete.
func (c *Conn) WriteMessage(msgType byte, payload []byte) error {
	var header [5]byte
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)+4))

	if _, err := c.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.writer.Write(payload); err != nil {
		return err
	}

	return nil
}

// WriteStartupMessage writes an untyped startup message, which carries no
// leading type byte.
func (c *Conn) WriteStartupMessage(payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)+4))

	if _, err := c.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.writer.Write(payload); err != nil {
		return err
	}

	return nil
}

func (c *Conn) Flush() error {
	return c.writer.Flush()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
