// Package wire implements the length-prefixed, integer-tagged binary
// protocol described in spec.md §4.1 (C1). Scalars are packed as
// unsigned varints; row bodies are raw length-prefixed byte strings, a
// length field immediately followed by the field bytes.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"replicore/internal/replierr"
)

// Type is the closed set of message tags from spec.md §4.1.
type Type byte

const (
	TypeHello          Type = 0
	TypeLeaderPromise  Type = 1
	TypeLeaderAccept   Type = 2
	TypeLeaderSubmit   Type = 3
	TypeLeaderReject   Type = 4
	TypeBody           Type = 5
	TypeSubmit         Type = 6
	TypeReject         Type = 7
	TypeProxyRequest   Type = 8
	TypeProxyAccept    Type = 9
	TypeProxySubmit    Type = 10
	TypeProxyReject    Type = 11
	TypeProxyJoin      Type = 12
	TypePing           Type = 13
)

// MaxFrameLen caps a single frame's payload size; a length field
// beyond this is a framing_error (spec.md §4.1).
const MaxFrameLen = 64 * 1024 * 1024

// Message is any of the tagged payload structs below.
type Message interface {
	Type() Type
}

type Hello struct {
	HostID    uint8
	GSN       uint64
	LastOpCRC uint32
}

func (Hello) Type() Type { return TypeHello }

type LeaderPromise struct{ GSN uint64 }

func (LeaderPromise) Type() Type { return TypeLeaderPromise }

type LeaderAccept struct{}

func (LeaderAccept) Type() Type { return TypeLeaderAccept }

type LeaderSubmit struct{}

func (LeaderSubmit) Type() Type { return TypeLeaderSubmit }

type LeaderReject struct {
	BestHostID uint8
	BestGSN    uint64
}

func (LeaderReject) Type() Type { return TypeLeaderReject }

type Body struct {
	GSN uint64
	Row []byte
}

func (Body) Type() Type { return TypeBody }

type Submit struct{ GSN uint64 }

func (Submit) Type() Type { return TypeSubmit }

type Reject struct{ GSN uint64 }

func (Reject) Type() Type { return TypeReject }

type ProxyRequest struct {
	LSN uint64
	Row []byte
}

func (ProxyRequest) Type() Type { return TypeProxyRequest }

type ProxyAccept struct{ GSN uint64 }

func (ProxyAccept) Type() Type { return TypeProxyAccept }

type ProxySubmit struct{ GSN uint64 }

func (ProxySubmit) Type() Type { return TypeProxySubmit }

type ProxyReject struct{ GSN uint64 }

func (ProxyReject) Type() Type { return TypeProxyReject }

// ProxyJoin is reserved; it carries no fields today.
type ProxyJoin struct{}

func (ProxyJoin) Type() Type { return TypeProxyJoin }

type Ping struct{ GSN uint64 }

func (Ping) Type() Type { return TypePing }

// --- scalar helpers, mirroring serializer.WriteFieldBytes/ReadFieldBytes ---

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeFieldBytes(w *bufio.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFieldBytes(r *bufio.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameLen {
		return nil, errors.Wrap(replierr.ErrFraming, "field length exceeds cap")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Encode serializes a Message to its tagged payload form (tag byte
// followed by type-specific fields), without the outer frame length.
func Encode(m Message) ([]byte, error) {
	var out []byte
	buf := &byteBuffer{}
	w := bufio.NewWriter(buf)

	if err := w.WriteByte(byte(m.Type())); err != nil {
		return nil, err
	}

	var err error
	switch msg := m.(type) {
	case Hello:
		err = writeHello(w, msg)
	case LeaderPromise:
		err = writeUvarint(w, msg.GSN)
	case LeaderAccept:
		// no fields
	case LeaderSubmit:
		// no fields
	case LeaderReject:
		if err = w.WriteByte(msg.BestHostID); err == nil {
			err = writeUvarint(w, msg.BestGSN)
		}
	case Body:
		if err = writeUvarint(w, msg.GSN); err == nil {
			err = writeFieldBytes(w, msg.Row)
		}
	case Submit:
		err = writeUvarint(w, msg.GSN)
	case Reject:
		err = writeUvarint(w, msg.GSN)
	case ProxyRequest:
		if err = writeUvarint(w, msg.LSN); err == nil {
			err = writeFieldBytes(w, msg.Row)
		}
	case ProxyAccept:
		err = writeUvarint(w, msg.GSN)
	case ProxySubmit:
		err = writeUvarint(w, msg.GSN)
	case ProxyReject:
		err = writeUvarint(w, msg.GSN)
	case ProxyJoin:
		// reserved, no fields
	case Ping:
		err = writeUvarint(w, msg.GSN)
	default:
		return nil, errors.Errorf("wire: unknown message type %T", m)
	}
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	out = buf.Bytes()
	return out, nil
}

func writeHello(w *bufio.Writer, h Hello) error {
	if err := w.WriteByte(h.HostID); err != nil {
		return err
	}
	if err := writeUvarint(w, h.GSN); err != nil {
		return err
	}
	return writeUvarint(w, uint64(h.LastOpCRC))
}

// Decode parses a tagged payload (as produced by Encode) back into a
// Message. An unrecognized tag is a framing_error.
func Decode(payload []byte) (Message, error) {
	r := bufio.NewReader(&byteReader{buf: payload})
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(replierr.ErrFraming, "empty frame")
	}
	tag := Type(tagByte)

	switch tag {
	case TypeHello:
		hostID, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "hello: host_id")
		}
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "hello: gsn")
		}
		crc, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "hello: crc")
		}
		return Hello{HostID: hostID, GSN: gsn, LastOpCRC: uint32(crc)}, nil
	case TypeLeaderPromise:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "leader_promise: gsn")
		}
		return LeaderPromise{GSN: gsn}, nil
	case TypeLeaderAccept:
		return LeaderAccept{}, nil
	case TypeLeaderSubmit:
		return LeaderSubmit{}, nil
	case TypeLeaderReject:
		best, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "leader_reject: best_host_id")
		}
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "leader_reject: best_gsn")
		}
		return LeaderReject{BestHostID: best, BestGSN: gsn}, nil
	case TypeBody:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "body: gsn")
		}
		row, err := readFieldBytes(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "body: row")
		}
		return Body{GSN: gsn, Row: row}, nil
	case TypeSubmit:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "submit: gsn")
		}
		return Submit{GSN: gsn}, nil
	case TypeReject:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "reject: gsn")
		}
		return Reject{GSN: gsn}, nil
	case TypeProxyRequest:
		lsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "proxy_request: lsn")
		}
		row, err := readFieldBytes(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "proxy_request: row")
		}
		return ProxyRequest{LSN: lsn, Row: row}, nil
	case TypeProxyAccept:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "proxy_accept: gsn")
		}
		return ProxyAccept{GSN: gsn}, nil
	case TypeProxySubmit:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "proxy_submit: gsn")
		}
		return ProxySubmit{GSN: gsn}, nil
	case TypeProxyReject:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "proxy_reject: gsn")
		}
		return ProxyReject{GSN: gsn}, nil
	case TypeProxyJoin:
		return ProxyJoin{}, nil
	case TypePing:
		gsn, err := readUvarint(r)
		if err != nil {
			return nil, errors.Wrap(replierr.ErrFraming, "ping: gsn")
		}
		return Ping{GSN: gsn}, nil
	default:
		return nil, errors.Wrapf(replierr.ErrFraming, "unknown message type %d", tagByte)
	}
}

// WriteFrame writes the length-prefixed frame for m to w.
func WriteFrame(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameLen {
		return errors.Wrap(replierr.ErrFraming, "payload exceeds max frame length")
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r and decodes it.
func ReadFrame(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || uint64(n) > MaxFrameLen {
		return nil, errors.Wrap(replierr.ErrFraming, "invalid frame length")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}

// byteBuffer/byteReader avoid pulling in bytes.Buffer's growth
// semantics just to satisfy bufio.Writer/Reader's io interfaces.
type byteBuffer struct {
	data []byte
}

func (b *byteBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *byteBuffer) Bytes() []byte { return b.data }

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}
