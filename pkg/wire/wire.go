// Package wire implements the length-prefixed framing and request/
// response types the handler speaks over a raw TCP connection. The wire
// schema itself is an external collaborator's concern; this package is a
// pragmatic stand-in that encodes the same operations with encoding/gob
// instead of a protobuf IDL no part of the pack actually ships for this
// shape.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/dowkv/wcstore/pkg/pools"
	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/value"
)

func init() {
	gob.Register(value.Value{})
	gob.Register(row.Row{})
}

// RequestKind tags which command a Request carries.
type RequestKind int

const (
	KindGet RequestKind = iota
	KindInsert
	KindDelete
	KindGetMany
	KindBatch
	KindGetForUpdate
	KindBeginTransaction
	KindCommitTransaction
	KindAbortTransaction
	KindSyncModel
	KindDropTable
)

var requestKindNames = [...]string{
	"Get", "Insert", "Delete", "GetMany", "Batch", "GetForUpdate",
	"BeginTransaction", "CommitTransaction", "AbortTransaction",
	"SyncModel", "DropTable",
}

func (k RequestKind) String() string {
	if int(k) < 0 || int(k) >= len(requestKindNames) {
		return "Unknown"
	}
	return requestKindNames[k]
}

// Request is one client command.
type Request struct {
	Kind RequestKind

	Table      string
	HashKey    string
	SortKey    value.Value
	Values     map[string]value.Value
	TxnID      uint64
	Many       []Request // GetMany/Batch sub-requests
	SchemaText string    // SyncModel payload
}

// ResponseStatus classifies a Response the way spec.md's error taxonomy
// requires: the client always gets one of these, never a raw internal
// error string.
type ResponseStatus int

const (
	StatusOK ResponseStatus = iota
	StatusClientError
	StatusServerError
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusClientError:
		return "client_error"
	case StatusServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Response is the reply to one Request.
type Response struct {
	Status ResponseStatus
	Detail string // human-readable detail, populated on non-OK status

	Row      row.Row
	Found    bool
	Many     []Response // GetMany/Batch sub-responses, in request order
	TxnID    uint64
}

// WriteFrame writes a length-prefixed gob-encoded frame: a big-endian
// u32 byte length followed by the encoded body. The body is built in a
// pooled buffer (pkg/pools.BufferBuilder) since every request/response
// round trip allocates one of these and immediately discards it.
func WriteFrame(w io.Writer, v any) error {
	buf := bufferWriter{b: pools.NewBufferBuilder(256)}
	defer buf.b.Release()

	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.b.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(buf.b.Bytes()); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// bufferWriter adapts pools.BufferBuilder (which has no io.Writer method
// set of its own, only a typed Write([]byte)) to gob.NewEncoder's
// io.Writer requirement.
type bufferWriter struct {
	b *pools.BufferBuilder
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.b.Write(p)
	return len(p), nil
}

// ReadFrame reads one length-prefixed gob-encoded frame into v.
func ReadFrame(r *bufio.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("wire: read body: %w", err)
	}

	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}
