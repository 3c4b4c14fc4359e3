package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// Transport is a length-prefixed, zstd-compressed, blake2b-checksummed TCP
// framing for Envelope values (spec.md §6 "self-describing binary format...
// must be deterministic for replay tests"). Compression reuses the pack's
// klauspost/compress dependency (used elsewhere for document-body
// compression); the checksum, written ahead of the compressed body,
// reuses golang.org/x/crypto, the
// teacher's dependency for password hashing, via its unrelated blake2b
// sub-package, to catch envelope corruption in transit.
type Transport struct {
	ln net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn

	onEnvelope func(Envelope)

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Listen starts accepting connections on addr and hands every decoded
// Envelope to onEnvelope.
func Listen(addr string, onEnvelope func(Envelope)) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("wire: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("wire: new zstd decoder: %w", err)
	}

	t := &Transport{
		ln:         ln,
		conns:      make(map[string]net.Conn),
		onEnvelope: onEnvelope,
		encoder:    enc,
		decoder:    dec,
	}
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) Addr() string { return t.ln.Addr().String() }

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		env, err := readFrame(conn, t.decoder)
		if err != nil {
			return
		}
		t.onEnvelope(env)
	}
}

// Send transmits env to the node listening at addr, dialing (and caching)
// a connection if necessary.
func (t *Transport) Send(addr string, env Envelope) error {
	conn, err := t.connFor(addr)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, t.encoder, env); err != nil {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

func (t *Transport) connFor(addr string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr]; ok {
		return c, nil
	}
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	t.conns[addr] = c
	go t.readLoop(c)
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	return t.ln.Close()
}

// frame layout: 4-byte big-endian length | 32-byte blake2b-256 checksum |
// zstd-compressed gob encoding of Envelope.
func writeFrame(w io.Writer, enc *zstd.Encoder, env Envelope) error {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(env); err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	compressed := enc.EncodeAll(raw.Bytes(), nil)
	sum := blake2b.Sum256(compressed)

	body := make([]byte, 0, len(sum)+len(compressed))
	body = append(body, sum[:]...)
	body = append(body, compressed...)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader, dec *zstd.Decoder) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	if len(body) < blake2b.Size256 {
		return Envelope{}, fmt.Errorf("wire: short frame")
	}
	wantSum := body[:blake2b.Size256]
	compressed := body[blake2b.Size256:]
	gotSum := blake2b.Sum256(compressed)
	if !bytes.Equal(wantSum, gotSum[:]) {
		return Envelope{}, fmt.Errorf("wire: checksum mismatch, frame corrupted")
	}

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: decompress: %w", err)
	}

	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env, nil
}
