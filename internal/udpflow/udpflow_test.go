package udpflow

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"trojan-tun/internal/trojan"
)

// drainingDialer hands out a fresh net.Pipe per call, with a goroutine
// quietly discarding whatever the flow writes (the preamble, mainly) so
// EncodePreamble never blocks waiting for a reader.
func drainingDialer() Acquirer {
	return func(ctx context.Context) (net.Conn, error) {
		server, client := net.Pipe()
		go func() {
			buf := make([]byte, 4096)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func TestSendWritesEncodedRecord(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	dial := func(ctx context.Context) (net.Conn, error) { return client, nil }
	tbl := NewTable(dial)

	done := make(chan trojan.UDPRecord, 1)
	go func() {
		r := bufio.NewReader(server)
		if _, err := trojan.DecodePreamble(r); err != nil {
			t.Errorf("decode preamble: %v", err)
			return
		}
		dec := trojan.NewUDPRecordReader(r)
		rec, err := dec.Next()
		if err != nil {
			t.Errorf("decode record: %v", err)
			return
		}
		done <- rec
	}()

	key := Key{SrcAddr: "10.0.0.5", SrcPort: 5555}
	if err := tbl.Send(context.Background(), key, "8.8.8.8:53", []byte("query")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case rec := <-done:
		if string(rec.Payload) != "query" {
			t.Fatalf("payload = %q, want %q", rec.Payload, "query")
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive a record")
	}
}

func TestGCEvictsIdleFlows(t *testing.T) {
	tbl := NewTable(drainingDialer())
	f, err := tbl.GetOrCreate(context.Background(), Key{SrcAddr: "1.2.3.4", SrcPort: 1})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	f.lastSeen.set(time.Now().Add(-2 * IdleTimeout))

	if n := tbl.GC(); n != 1 {
		t.Fatalf("GC evicted %d, want 1", n)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len after GC = %d, want 0", tbl.Len())
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	tbl := NewTable(drainingDialer())
	key := Key{SrcAddr: "1.2.3.4", SrcPort: 1}
	f1, err := tbl.GetOrCreate(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrCreate #1: %v", err)
	}
	f2, err := tbl.GetOrCreate(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrCreate #2: %v", err)
	}
	if f1 != f2 {
		t.Fatal("expected GetOrCreate to return the same flow for the same key")
	}
}

// TestDistinctKeysGetSeparateConnections pins the "no two live flows
// share the same TlsConn" invariant: each source endpoint dials and
// owns its own relay connection.
func TestDistinctKeysGetSeparateConnections(t *testing.T) {
	var calls int32
	dial := func(ctx context.Context) (net.Conn, error) {
		atomic.AddInt32(&calls, 1)
		server, client := net.Pipe()
		go func() {
			buf := make([]byte, 4096)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
	tbl := NewTable(dial)

	f1, err := tbl.GetOrCreate(context.Background(), Key{SrcAddr: "1.1.1.1", SrcPort: 1})
	if err != nil {
		t.Fatalf("GetOrCreate #1: %v", err)
	}
	f2, err := tbl.GetOrCreate(context.Background(), Key{SrcAddr: "2.2.2.2", SrcPort: 2})
	if err != nil {
		t.Fatalf("GetOrCreate #2: %v", err)
	}
	if f1.conn == f2.conn {
		t.Fatal("expected distinct flows to own distinct connections")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("dial called %d times, want 2", got)
	}
}
