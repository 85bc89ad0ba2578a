// Package walproto decodes the pgoutput logical-replication wire format
// (proto_version=1) into typed messages. It is a pure function of bytes: no
// network I/O, no state beyond the per-stream relation cache a caller passes
// in.
package walproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// pgEpochMicros is 2000-01-01 00:00:00 UTC expressed as microseconds since the Unix
// epoch; pgoutput timestamps are microseconds since this epoch.
const pgEpochMicros int64 = 946684800000000

// MicrosToUnixMicros converts a pgoutput timestamp to microseconds since the
// Unix epoch.
func MicrosToUnixMicros(pgMicros int64) int64 { return pgMicros + pgEpochMicros }

// TimeFromPGMicros converts a pgoutput timestamp directly to a time.Time.
func TimeFromPGMicros(pgMicros int64) time.Time {
	unixMicros := MicrosToUnixMicros(pgMicros)
	return time.Unix(unixMicros/1_000_000, (unixMicros%1_000_000)*1_000).UTC()
}

// ReplicaIdentity mirrors Postgres's REPLICA IDENTITY setting for a table,
// which determines what the "old" side of an Update/Delete tuple contains.
type ReplicaIdentity byte

const (
	ReplicaIdentityDefault ReplicaIdentity = 'd'
	ReplicaIdentityNothing ReplicaIdentity = 'n'
	ReplicaIdentityAll     ReplicaIdentity = 'f'
	ReplicaIdentityIndex   ReplicaIdentity = 'i'
)

// TruncateOption is a bit in a Truncate message's options field.
type TruncateOption int

const (
	TruncateCascade        TruncateOption = 1 << 0
	TruncateRestartIdentity TruncateOption = 1 << 1
)

// Column describes one column of a Relation.
type Column struct {
	IsKey        bool
	Name         string
	TypeOID      uint32
	TypeName     string // resolved via a caller-supplied OID dictionary; empty if unknown
	TypeModifier int32
}

// CellKind distinguishes the three wire representations a tuple cell can take.
type CellKind byte

const (
	CellNull          CellKind = 'n'
	CellUnchangedTOAST CellKind = 'u'
	CellText           CellKind = 't'
)

// Cell is one column value in a tuple. Raw holds the text-format bytes for
// CellText; Decoded holds an opportunistically-parsed JSON value when the
// column's type is json/jsonb or an array of either.
type Cell struct {
	Kind    CellKind
	Raw     string
	Decoded interface{}
}

// Tuple is a full row image, one Cell per column in Relation order.
type Tuple []Cell

// Begin marks the start of a transaction.
type Begin struct {
	FinalLSN        uint64
	CommitTimestamp int64 // microseconds since 2000-01-01Z
	Xid             uint32
}

// Commit marks the end of a transaction.
type Commit struct {
	Flags           uint8
	LSN             uint64
	EndLSN          uint64
	CommitTimestamp int64
}

// Origin names the replication origin of the following changes, if any.
type Origin struct {
	LSN  uint64
	Name string
}

// Relation describes a table's column layout for subsequent tuple messages.
type Relation struct {
	ID              uint32
	Namespace       string
	Name            string
	ReplicaIdentity ReplicaIdentity
	Columns         []Column
}

// Insert is a row creation.
type Insert struct {
	RelationID uint32
	New        Tuple
}

// Update is a row mutation. Old is populated only when replica identity
// retains it (full or a unique index); Key holds just the identity columns
// when replica identity is "default" and only key columns changed.
type Update struct {
	RelationID uint32
	Key        Tuple
	Old        Tuple
	New        Tuple
}

// Delete is a row removal. Exactly one of Key/Old is populated, depending on
// replica identity.
type Delete struct {
	RelationID uint32
	Key        Tuple
	Old        Tuple
}

// Truncate is a TRUNCATE statement spanning one or more relations.
type Truncate struct {
	RelationIDs []uint32
	Options     TruncateOption
}

// Type names a composite/enum/domain type referenced by a Relation column.
type Type struct {
	ID        uint32
	Namespace string
	Name      string
}

// LogicalMessage is an application-emitted pg_logical_emit_message payload.
type LogicalMessage struct {
	Transactional bool
	LSN           uint64
	Prefix        string
	Content       []byte
}

// Unsupported is returned for a leading tag byte the decoder does not
// recognize; it is not an error, per spec.md's decode-error policy.
type Unsupported struct {
	Tag byte
	Raw []byte
}

// Message is the decoded union; exactly one field is non-nil.
type Message struct {
	Begin          *Begin
	Commit         *Commit
	Origin         *Origin
	Relation       *Relation
	Insert         *Insert
	Update         *Update
	Delete         *Delete
	Truncate       *Truncate
	Type           *Type
	LogicalMessage *LogicalMessage
	Unsupported    *Unsupported
}

// reader is a minimal cursor over a pgoutput payload; every read panics on
// underflow, which Decode recovers from and reports as a normal error — wire
// corruption here always indicates a bug or a hostile peer, never a valid
// partial message.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) u8() uint8 {
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) u16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) cstring() string {
	start := r.pos
	for r.buf[r.pos] != 0 {
		r.pos++
	}
	s := string(r.buf[start:r.pos])
	r.pos++ // skip the NUL
	return s
}

func (r *reader) bytes(n int) []byte {
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

// Decode parses one pgoutput payload (the bytes after the 'w' Write frame's
// header) into a Message. typeOf resolves a column's type OID to a name so
// JSON-typed columns can be opportunistically decoded; pass nil to skip
// resolution (Decoded will always be unset).
func Decode(payload []byte, typeOf func(oid uint32) string) (msg Message, err error) {
	if len(payload) == 0 {
		return Message{}, fmt.Errorf("walproto: empty payload")
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("walproto: malformed message (tag %q): %v", payload[0], rec)
		}
	}()

	r := &reader{buf: payload}
	tag := r.u8()

	switch tag {
	case 'B':
		return Message{Begin: &Begin{
			FinalLSN:        r.u64(),
			CommitTimestamp: r.i64(),
			Xid:             r.u32(),
		}}, nil

	case 'C':
		flags := r.u8()
		commitLSN := r.u64()
		endLSN := r.u64()
		ts := r.i64()
		return Message{Commit: &Commit{Flags: flags, LSN: commitLSN, EndLSN: endLSN, CommitTimestamp: ts}}, nil

	case 'O':
		lsn := r.u64()
		name := r.cstring()
		return Message{Origin: &Origin{LSN: lsn, Name: name}}, nil

	case 'R':
		rel := &Relation{}
		rel.ID = r.u32()
		rel.Namespace = r.cstring()
		rel.Name = r.cstring()
		rel.ReplicaIdentity = ReplicaIdentity(r.u8())
		numCols := int(r.u16())
		rel.Columns = make([]Column, 0, numCols)
		for i := 0; i < numCols; i++ {
			flags := r.u8()
			name := r.cstring()
			oid := r.u32()
			mod := int32(r.u32())
			col := Column{IsKey: flags&1 != 0, Name: name, TypeOID: oid, TypeModifier: mod}
			if typeOf != nil {
				col.TypeName = typeOf(oid)
			}
			rel.Columns = append(rel.Columns, col)
		}
		return Message{Relation: rel}, nil

	case 'Y':
		return Message{Type: &Type{ID: r.u32(), Namespace: r.cstring(), Name: r.cstring()}}, nil

	case 'I':
		relID := r.u32()
		kind := r.u8() // 'N'
		if kind != 'N' {
			return Message{}, fmt.Errorf("walproto: insert expected tuple tag 'N', got %q", kind)
		}
		tup := decodeTuple(r, nil)
		return Message{Insert: &Insert{RelationID: relID, New: tup}}, nil

	case 'U':
		relID := r.u32()
		upd := &Update{RelationID: relID}
		kind := r.u8()
		for kind == 'K' || kind == 'O' {
			tup := decodeTuple(r, nil)
			if kind == 'K' {
				upd.Key = tup
			} else {
				upd.Old = tup
			}
			kind = r.u8()
		}
		if kind != 'N' {
			return Message{}, fmt.Errorf("walproto: update expected tuple tag 'N', got %q", kind)
		}
		upd.New = decodeTuple(r, nil)
		return Message{Update: upd}, nil

	case 'D':
		relID := r.u32()
		kind := r.u8()
		del := &Delete{RelationID: relID}
		tup := decodeTuple(r, nil)
		if kind == 'K' {
			del.Key = tup
		} else {
			del.Old = tup
		}
		return Message{Delete: del}, nil

	case 'T':
		numRels := int(r.u32())
		opts := TruncateOption(r.u8())
		ids := make([]uint32, numRels)
		for i := range ids {
			ids[i] = r.u32()
		}
		return Message{Truncate: &Truncate{RelationIDs: ids, Options: opts}}, nil

	case 'M':
		transactional := r.u8() != 0
		lsn := r.u64()
		prefix := r.cstring()
		contentLen := int(r.u32())
		content := append([]byte(nil), r.bytes(contentLen)...)
		return Message{LogicalMessage: &LogicalMessage{Transactional: transactional, LSN: lsn, Prefix: prefix, Content: content}}, nil

	default:
		return Message{Unsupported: &Unsupported{Tag: tag, Raw: append([]byte(nil), payload...)}}, nil
	}
}

func decodeTuple(r *reader, _ []Column) Tuple {
	n := int(r.u16())
	tuple := make(Tuple, n)
	for i := 0; i < n; i++ {
		kind := CellKind(r.u8())
		switch kind {
		case CellNull, CellUnchangedTOAST:
			tuple[i] = Cell{Kind: kind}
		case CellText:
			length := int(int32(r.u32()))
			raw := string(r.bytes(length))
			tuple[i] = Cell{Kind: CellText, Raw: raw}
		default:
			panic(fmt.Sprintf("unknown tuple cell kind %q", byte(kind)))
		}
	}
	return tuple
}

// DecodeJSONCells walks tuple in lockstep with columns and, for any column
// whose resolved type name is json/jsonb (scalar or array), opportunistically
// parses Cell.Raw into Cell.Decoded. Invalid JSON is left as Raw and the
// error is logged by the caller, never raised.
func DecodeJSONCells(tuple Tuple, columns []Column) []error {
	var errs []error
	for i, col := range tuple {
		if i >= len(columns) {
			break
		}
		typeName := columns[i].TypeName
		if tuple[i].Kind != CellText {
			continue
		}
		switch typeName {
		case "json", "jsonb":
			var v interface{}
			if err := json.Unmarshal([]byte(col.Raw), &v); err != nil {
				errs = append(errs, fmt.Errorf("column %s: %w", columns[i].Name, err))
				continue
			}
			tuple[i].Decoded = v
		case "json[]", "jsonb[]", "_json", "_jsonb":
			elems, err := splitPGArrayLiteral(col.Raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("column %s: %w", columns[i].Name, err))
				continue
			}
			decoded := make([]interface{}, 0, len(elems))
			for _, elem := range elems {
				var v interface{}
				// Postgres double-encodes JSON inside array literals: the
				// array element is itself a JSON-quoted string.
				unquoted := elem
				var quoted string
				if err := json.Unmarshal([]byte(elem), &quoted); err == nil {
					unquoted = quoted
				}
				if err := json.Unmarshal([]byte(unquoted), &v); err != nil {
					errs = append(errs, fmt.Errorf("column %s element: %w", columns[i].Name, err))
					continue
				}
				decoded = append(decoded, v)
			}
			tuple[i].Decoded = decoded
		}
	}
	return errs
}

// splitPGArrayLiteral splits a Postgres array literal like
// `{"{\"a\":1}","{\"b\":2}"}` on top-level commas, respecting brace/quote
// nesting, and strips the surrounding braces.
func splitPGArrayLiteral(raw string) ([]string, error) {
	s := strings.TrimSpace(raw)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("not an array literal: %q", raw)
	}
	s = s[1 : len(s)-1]
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var elems []string
	var cur strings.Builder
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && (i == 0 || s[i-1] != '\\'):
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == '{' && !inQuote:
			depth++
			cur.WriteByte(c)
		case c == '}' && !inQuote:
			depth--
			cur.WriteByte(c)
		case c == ',' && !inQuote && depth == 0:
			elems = append(elems, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		elems = append(elems, cur.String())
	}
	return elems, nil
}
