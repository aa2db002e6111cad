// Package consoletest provides an in-memory console device for tests.
package consoletest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
)

var (
	idPattern   = regexp.MustCompile(`\$R\$(\d+)'`)
	exprPattern = regexp.MustCompile(`global\.eval\(("(?:[^"\\]|\\.)*")\)`)
)

// HandlerFunc answers one request. It returns the bytes the console prints in response, or "" for no reply.
type HandlerFunc func(d *Device, id uint64, expr string) string

type Request struct {
	ID   uint64
	Expr string
}

// Device is the remote end of a console link. It decodes request lines, counts interrupts,
// and lets a HandlerFunc write whatever a real console would have printed.
type Device struct {
	conn    net.Conn
	handler HandlerFunc

	mu         sync.Mutex
	requests   []Request
	raw        []string
	interrupts int
}

// Serve runs a Device on conn until it is closed.
func Serve(conn net.Conn, h HandlerFunc) *Device {
	d := &Device{conn: conn, handler: h}
	go d.run()
	return d
}

func (d *Device) run() {
	r := bufio.NewReader(d.conn)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case 0x03:
			d.mu.Lock()
			d.interrupts++
			d.mu.Unlock()
		case '\n':
			d.line(string(line))
			line = line[:0]
		default:
			line = append(line, b)
		}
	}
}

func (d *Device) line(s string) {
	idm := idPattern.FindStringSubmatch(s)
	em := exprPattern.FindStringSubmatch(s)
	if idm == nil || em == nil {
		d.mu.Lock()
		d.raw = append(d.raw, s)
		d.mu.Unlock()
		return
	}
	id, err := strconv.ParseUint(idm[1], 10, 64)
	if err != nil {
		panic(err)
	}
	var expr string
	if err := json.Unmarshal([]byte(em[1]), &expr); err != nil {
		panic(err)
	}

	d.mu.Lock()
	d.requests = append(d.requests, Request{ID: id, Expr: expr})
	d.mu.Unlock()

	if d.handler == nil {
		return
	}
	if out := d.handler(d, id, expr); out != "" {
		d.Emit(out)
	}
}

// Emit writes s to the client as console output.
func (d *Device) Emit(s string) {
	_, _ = io.WriteString(d.conn, s)
}

// Close drops the link from the device side.
func (d *Device) Close() error { return d.conn.Close() }

func (d *Device) Received() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

func (d *Device) Expressions() []string {
	var exprs []string
	for _, r := range d.Received() {
		exprs = append(exprs, r.Expr)
	}
	return exprs
}

func (d *Device) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// RawLines returns input lines that were not requests, such as echo(1).
func (d *Device) RawLines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.raw...)
}

// Reply formats a success marker the way the console prints it, prompt included.
func Reply(id uint64, payload string) string {
	return fmt.Sprintf("\r\x1b[J$R$%d %s\r\n>", id, payload)
}

// Print formats unsolicited output the way the console prints it over an idle prompt:
// the prompt line is erased, the text printed, and the prompt redrawn.
func Print(line string) string {
	return "\r\x1b[J" + line + "\r\n>"
}

// Failure formats an exception marker.
func Failure(id uint64, message, stack string) string {
	b, err := json.Marshal(map[string]string{"message": message, "stack": stack})
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("\r\x1b[J$E$%d %s\r\n>", id, b)
}

// Answers replies from a fixed table of expression results and ignores everything else.
func Answers(table map[string]string) HandlerFunc {
	return func(_ *Device, id uint64, expr string) string {
		payload, ok := table[expr]
		if !ok {
			return ""
		}
		return Reply(id, payload)
	}
}

// Dialer hands out in-memory links, each with a fresh Device on the far side.
type Dialer struct {
	handler HandlerFunc

	mu       sync.Mutex
	err      error
	attempts int
	devices  []*Device
}

func NewDialer(h HandlerFunc) *Dialer {
	return &Dialer{handler: h}
}

func (p *Dialer) DialContext(ctx context.Context) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return nil, p.err
	}
	local, remote := net.Pipe()
	p.devices = append(p.devices, Serve(remote, p.handler))
	return local, nil
}

func (p *Dialer) String() string { return "pipe" }

// SetErr makes every following dial fail with err, until it is set back to nil.
func (p *Dialer) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Dials counts connection attempts, failed ones included.
func (p *Dialer) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *Dialer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

// Device returns the i-th device dialed, or nil if there is none yet.
func (p *Dialer) Device(i int) *Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.devices) {
		return nil
	}
	return p.devices[i]
}
