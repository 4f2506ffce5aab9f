// Package trojan implements the wire framing C3 speaks to the relay: a
// preamble of CMD + SOCKS5-style address + CRLF, followed by a raw byte
// stream (CmdConnect) or length-prefixed UDP records (CmdUDPAssociate),
// plus a reserved CMD for the bypass profiler's dedicated ping channel.
//
// Address encoding reuses the shadowsocks2 SOCKS5 address codec rather
// than hand-rolling ATYP parsing, the way the teacher's socksaddr.go
// does it by hand for a format that already has a library in the pack.
package trojan

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// Cmd is the Trojan request command byte.
type Cmd byte

const (
	CmdConnect     Cmd = 0x01
	CmdUDPAssociate Cmd = 0x03
	// CmdPing is not part of the original Trojan spec; it is the
	// dedicated channel C8 uses to measure relay round-trip time
	// without opening a real flow (original_source/src/proxy/net_profiler.rs).
	CmdPing Cmd = 0xFF
)

var crlf = []byte{'\r', '\n'}

// Preamble is the first frame sent on every new TLS connection: the
// command byte, the SOCKS5 address of the flow's destination (or the
// wildcard address for CmdUDPAssociate/CmdPing), and CRLF. The wire
// format carries no authentication field; relay trust is established
// below this layer (the TLS handshake itself), not in the preamble.
type Preamble struct {
	Cmd  Cmd
	Addr socks.Addr
}

// EncodePreamble writes the CMD+ADDR preamble to w: `CMD (1) || ADDR ||
// CRLF`, exactly the bytes a relay expects to read off a fresh
// connection before any payload.
func EncodePreamble(w io.Writer, p Preamble) error {
	buf := make([]byte, 0, 1+len(p.Addr)+2)
	buf = append(buf, byte(p.Cmd))
	buf = append(buf, p.Addr...)
	buf = append(buf, crlf...)
	_, err := w.Write(buf)
	return err
}

// DecodePreamble reads a preamble off r, matching the exact shape
// EncodePreamble writes. Used by tests and by any relay-side tooling;
// the client only ever encodes.
func DecodePreamble(r *bufio.Reader) (p Preamble, err error) {
	cmdByte, err := r.ReadByte()
	if err != nil {
		return Preamble{}, fmt.Errorf("read cmd: %w", err)
	}
	addr, err := socks.ReadAddr(r, make([]byte, socks.MaxAddrLen))
	if err != nil {
		return Preamble{}, fmt.Errorf("read addr: %w", err)
	}
	if err = expectCRLF(r); err != nil {
		return Preamble{}, err
	}
	return Preamble{Cmd: Cmd(cmdByte), Addr: addr}, nil
}

func expectCRLF(r *bufio.Reader) error {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("read crlf: %w", err)
	}
	if b[0] != '\r' || b[1] != '\n' {
		return errors.New("malformed preamble: missing crlf")
	}
	return nil
}

// PingAddr is the placeholder address CmdPing and CmdUDPAssociate
// preambles carry: the command itself carries no destination, so an
// all-zero IPv4 address and port (0.0.0.0:0) keeps the framing uniform
// rather than special-casing these commands.
var PingAddr = socks.ParseAddr("0.0.0.0:0")

// UDPRecord is one length-prefixed datagram inside a CmdUDPAssociate
// stream: ADDR, a 16-bit big-endian length, CRLF, then that many
// payload bytes. Each record carries its own destination, so one
// flow's TLS connection can carry datagrams to many destinations.
type UDPRecord struct {
	Addr    socks.Addr
	Payload []byte
}

// EncodeUDPRecord appends the wire encoding of rec to dst and returns
// the extended slice.
func EncodeUDPRecord(dst []byte, rec UDPRecord) []byte {
	dst = append(dst, rec.Addr...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(rec.Payload)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, crlf...)
	dst = append(dst, rec.Payload...)
	return dst
}

// UDPRecordReader decodes a stream of UDPRecords off an underlying
// reader, buffering partial records across reads the way a TCP stream
// requires (a record's header or payload may straddle two Reads).
type UDPRecordReader struct {
	r *bufio.Reader
}

func NewUDPRecordReader(r io.Reader) *UDPRecordReader {
	return &UDPRecordReader{r: bufio.NewReader(r)}
}

// Next blocks until a full record is available and returns it. Each
// call allocates a fresh Payload slice.
func (d *UDPRecordReader) Next() (UDPRecord, error) {
	addr, err := socks.ReadAddr(d.r, make([]byte, socks.MaxAddrLen))
	if err != nil {
		return UDPRecord{}, fmt.Errorf("read udp addr: %w", err)
	}
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(d.r, lenBuf); err != nil {
		return UDPRecord{}, fmt.Errorf("read udp length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf)
	if err := expectCRLF(d.r); err != nil {
		return UDPRecord{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return UDPRecord{}, fmt.Errorf("read udp payload: %w", err)
	}
	return UDPRecord{Addr: addr, Payload: payload}, nil
}
