package trojan

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/shadowsocks/go-shadowsocks2/socks"
)

func TestPreambleRoundTrip(t *testing.T) {
	addr := socks.ParseAddr("example.com:443")
	if addr == nil {
		t.Fatal("ParseAddr returned nil")
	}
	var buf bytes.Buffer
	if err := EncodePreamble(&buf, Preamble{Cmd: CmdConnect, Addr: addr}); err != nil {
		t.Fatalf("EncodePreamble: %v", err)
	}

	p, err := DecodePreamble(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("DecodePreamble: %v", err)
	}
	if p.Cmd != CmdConnect {
		t.Fatalf("Cmd = %v, want CmdConnect", p.Cmd)
	}
	if !bytes.Equal(p.Addr, addr) {
		t.Fatalf("Addr mismatch: got %v want %v", p.Addr, addr)
	}
}

func TestPreambleRejectsMissingCRLF(t *testing.T) {
	addr := socks.ParseAddr("1.2.3.4:80")
	var buf bytes.Buffer
	buf.WriteByte(byte(CmdConnect))
	buf.Write(addr)
	buf.Write([]byte{'X', 'Y'}) // corrupt the CRLF

	if _, err := DecodePreamble(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for corrupted CRLF")
	}
}

// TestPreambleMatchesSpecScenarios pins EncodePreamble to the literal
// byte sequences named by the end-to-end scenarios: a TCP connect
// preamble to 10.0.0.2:7 and a UDP-associate preamble to the wildcard
// address.
func TestPreambleMatchesSpecScenarios(t *testing.T) {
	tcpAddr := socks.ParseAddr("10.0.0.2:7")
	var tcpBuf bytes.Buffer
	if err := EncodePreamble(&tcpBuf, Preamble{Cmd: CmdConnect, Addr: tcpAddr}); err != nil {
		t.Fatalf("EncodePreamble (tcp): %v", err)
	}
	wantTCP := []byte{0x01, 0x01, 0x0A, 0x00, 0x00, 0x02, 0x00, 0x07, 0x0D, 0x0A}
	if !bytes.Equal(tcpBuf.Bytes(), wantTCP) {
		t.Fatalf("tcp preamble = % X, want % X", tcpBuf.Bytes(), wantTCP)
	}

	var udpBuf bytes.Buffer
	if err := EncodePreamble(&udpBuf, Preamble{Cmd: CmdUDPAssociate, Addr: PingAddr}); err != nil {
		t.Fatalf("EncodePreamble (udp): %v", err)
	}
	wantUDP := []byte{0x03, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0D, 0x0A}
	if !bytes.Equal(udpBuf.Bytes(), wantUDP) {
		t.Fatalf("udp preamble = % X, want % X", udpBuf.Bytes(), wantUDP)
	}
}

func TestUDPRecordRoundTrip(t *testing.T) {
	addr := socks.ParseAddr("8.8.8.8:53")
	payload := []byte("hello udp")
	var buf []byte
	buf = EncodeUDPRecord(buf, UDPRecord{Addr: addr, Payload: payload})

	dec := NewUDPRecordReader(bytes.NewReader(buf))
	rec, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(rec.Addr, addr) {
		t.Fatalf("addr mismatch: got %v want %v", rec.Addr, addr)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", rec.Payload, payload)
	}
}

func TestUDPRecordReaderMultipleRecords(t *testing.T) {
	addr1 := socks.ParseAddr("1.1.1.1:53")
	addr2 := socks.ParseAddr("example.com:8443")
	var buf []byte
	buf = EncodeUDPRecord(buf, UDPRecord{Addr: addr1, Payload: []byte("one")})
	buf = EncodeUDPRecord(buf, UDPRecord{Addr: addr2, Payload: []byte("two-longer")})

	dec := NewUDPRecordReader(bytes.NewReader(buf))
	rec1, err := dec.Next()
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	if string(rec1.Payload) != "one" {
		t.Fatalf("record #1 payload = %q", rec1.Payload)
	}
	rec2, err := dec.Next()
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if string(rec2.Payload) != "two-longer" {
		t.Fatalf("record #2 payload = %q", rec2.Payload)
	}
	if _, err := dec.Next(); err != io.EOF && err == nil {
		t.Fatal("expected EOF-like error after final record")
	}
}

// byteAtATimeReader forces the UDP record decoder to handle a record
// whose header and payload straddle many individual reads.
type byteAtATimeReader struct {
	data []byte
}

func (r *byteAtATimeReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestUDPRecordReaderByteAtATime(t *testing.T) {
	addr := socks.ParseAddr("9.9.9.9:443")
	payload := bytes.Repeat([]byte{0x42}, 300)
	var buf []byte
	buf = EncodeUDPRecord(buf, UDPRecord{Addr: addr, Payload: payload})

	dec := NewUDPRecordReader(&byteAtATimeReader{data: buf})
	rec, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Fatal("payload mismatch after byte-at-a-time read")
	}
}
