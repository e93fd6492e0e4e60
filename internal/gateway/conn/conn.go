package conn

import (
	"bufio"
	"errors"
	"net"
	"sync"

	"github.com/phuslu/log"
)

var ErrClosed = errors.New("connection closed")

// Conn wraps an accepted tracker socket. Reads go through a bufio.Reader so
// frame splitters can peek cheaply; writes take an internal mutex so a
// command dispatch racing a teardown sees either a full write or ErrClosed,
// never a torn frame.
type Conn struct {
	cid   uint64
	tuple []string
	r     *bufio.Reader

	wmu    sync.Mutex
	closed bool
	net.Conn
}

func NewConn(c net.Conn, cid uint64) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())

	return &Conn{cid: cid, tuple: []string{sourceip, sourceport, targetip, targetport}, r: bufio.NewReader(c), Conn: c}
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.Conn.Write(p)
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Conn.Close()
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", c.tuple).Uint64("cid", c.cid)
}
