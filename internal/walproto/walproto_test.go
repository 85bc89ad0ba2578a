package walproto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encodeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func TestDecodeBegin(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('B')
	binary.Write(&buf, binary.BigEndian, uint64(1234))
	binary.Write(&buf, binary.BigEndian, int64(5678))
	binary.Write(&buf, binary.BigEndian, uint32(42))

	msg, err := Decode(buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Begin == nil {
		t.Fatalf("expected Begin message")
	}
	if msg.Begin.FinalLSN != 1234 || msg.Begin.CommitTimestamp != 5678 || msg.Begin.Xid != 42 {
		t.Fatalf("unexpected Begin: %+v", msg.Begin)
	}
}

func TestDecodeRelationAndInsert(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('R')
	binary.Write(&buf, binary.BigEndian, uint32(99))
	encodeCString(&buf, "public")
	encodeCString(&buf, "resources")
	buf.WriteByte('d')
	binary.Write(&buf, binary.BigEndian, uint16(2))
	// column 1: id (key)
	buf.WriteByte(1)
	encodeCString(&buf, "id")
	binary.Write(&buf, binary.BigEndian, uint32(25))
	binary.Write(&buf, binary.BigEndian, int32(-1))
	// column 2: name
	buf.WriteByte(0)
	encodeCString(&buf, "name")
	binary.Write(&buf, binary.BigEndian, uint32(25))
	binary.Write(&buf, binary.BigEndian, int32(-1))

	msg, err := Decode(buf.Bytes(), func(oid uint32) string { return "text" })
	if err != nil {
		t.Fatalf("Decode relation: %v", err)
	}
	if msg.Relation == nil || len(msg.Relation.Columns) != 2 {
		t.Fatalf("unexpected relation: %+v", msg.Relation)
	}
	if !msg.Relation.Columns[0].IsKey {
		t.Fatalf("expected first column to be key")
	}

	buf.Reset()
	buf.WriteByte('I')
	binary.Write(&buf, binary.BigEndian, uint32(99))
	buf.WriteByte('N')
	binary.Write(&buf, binary.BigEndian, uint16(2))
	buf.WriteByte(byte(CellText))
	idVal := "r-1"
	binary.Write(&buf, binary.BigEndian, int32(len(idVal)))
	buf.WriteString(idVal)
	buf.WriteByte(byte(CellNull))

	msg, err = Decode(buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("Decode insert: %v", err)
	}
	if msg.Insert == nil || msg.Insert.RelationID != 99 {
		t.Fatalf("unexpected insert: %+v", msg.Insert)
	}
	if msg.Insert.New[0].Raw != "r-1" {
		t.Fatalf("unexpected cell 0: %+v", msg.Insert.New[0])
	}
	if msg.Insert.New[1].Kind != CellNull {
		t.Fatalf("expected cell 1 null, got %+v", msg.Insert.New[1])
	}
}

func TestDecodeUnsupportedTag(t *testing.T) {
	msg, err := Decode([]byte{'Z', 1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Unsupported == nil || msg.Unsupported.Tag != 'Z' {
		t.Fatalf("expected Unsupported for tag Z, got %+v", msg)
	}
}

func TestDecodeTruncate(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('T')
	binary.Write(&buf, binary.BigEndian, uint32(2))
	buf.WriteByte(byte(TruncateCascade))
	binary.Write(&buf, binary.BigEndian, uint32(10))
	binary.Write(&buf, binary.BigEndian, uint32(20))

	msg, err := Decode(buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Truncate == nil || len(msg.Truncate.RelationIDs) != 2 {
		t.Fatalf("unexpected truncate: %+v", msg.Truncate)
	}
	if msg.Truncate.Options&TruncateCascade == 0 {
		t.Fatalf("expected cascade option set")
	}
}

func TestDecodeJSONCellsScalarAndArray(t *testing.T) {
	columns := []Column{
		{Name: "meta", TypeName: "jsonb"},
		{Name: "tags", TypeName: "jsonb[]"},
	}
	tuple := Tuple{
		{Kind: CellText, Raw: `{"a":1}`},
		{Kind: CellText, Raw: `{"{\"b\":2}","{\"c\":3}"}`},
	}

	errs := DecodeJSONCells(tuple, columns)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	m, ok := tuple[0].Decoded.(map[string]interface{})
	if !ok || m["a"] != float64(1) {
		t.Fatalf("unexpected scalar decode: %+v", tuple[0].Decoded)
	}
	arr, ok := tuple[1].Decoded.([]interface{})
	if !ok || len(arr) != 2 {
		t.Fatalf("unexpected array decode: %+v", tuple[1].Decoded)
	}
}

func TestDecodeJSONCellsInvalidJSONKeepsRaw(t *testing.T) {
	columns := []Column{{Name: "meta", TypeName: "jsonb"}}
	tuple := Tuple{{Kind: CellText, Raw: `not-json`}}
	errs := DecodeJSONCells(tuple, columns)
	if len(errs) == 0 {
		t.Fatalf("expected a decode error")
	}
	if tuple[0].Decoded != nil {
		t.Fatalf("expected Decoded to remain unset, got %+v", tuple[0].Decoded)
	}
	if tuple[0].Raw != "not-json" {
		t.Fatalf("expected raw to be retained")
	}
}
