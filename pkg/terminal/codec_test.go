package terminal

import (
	"encoding/binary"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, snap *Snapshot) *Snapshot {
	t.Helper()
	decoded, err := DecodeSnapshot(EncodeSnapshot(snap))
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	return decoded
}

func TestCodec_Header(t *testing.T) {
	snap := &Snapshot{
		Cols: 80, Rows: 24, ViewportY: 100, CursorX: 3, CursorY: 7, Bell: true,
		Cells: [][]Cell{{{Char: "x", Width: 1}}},
	}

	data := EncodeSnapshot(snap)
	if binary.LittleEndian.Uint16(data[0:]) != 0x5654 {
		t.Errorf("magic = %#x", binary.LittleEndian.Uint16(data[0:]))
	}
	if data[2] != 1 {
		t.Errorf("version = %d", data[2])
	}
	if data[3]&0x01 == 0 {
		t.Error("bell flag not set")
	}

	decoded := roundTrip(t, snap)
	if decoded.Cols != 80 || decoded.Rows != 24 || decoded.ViewportY != 100 {
		t.Errorf("decoded header = %+v", decoded)
	}
	if decoded.CursorX != 3 || decoded.CursorY != 7 || !decoded.Bell {
		t.Errorf("decoded cursor/bell = %+v", decoded)
	}
}

func TestCodec_RoundTripFromEmulator(t *testing.T) {
	e := NewEmulator(40, 10)
	e.Write([]byte("plain \x1b[1;31mbold-red\x1b[0m\r\n"))
	e.Write([]byte("\x1b[38;2;1;2;3mtruecolor\x1b[0m\r\n"))
	e.Write([]byte("\r\n\r\n")) // interior blank rows
	e.Write([]byte("가 🙂 wide"))

	snap := e.Snapshot()
	decoded := roundTrip(t, snap)

	if !reflect.DeepEqual(snap, decoded) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", decoded, snap)
	}
}

func TestCodec_BlankRowRuns(t *testing.T) {
	snap := &Snapshot{
		Cols: 10, Rows: 8, Cells: [][]Cell{
			{{Char: "a", Width: 1}},
			{blankCell()},
			{blankCell()},
			{blankCell()},
			{{Char: "b", Width: 1}},
		},
	}

	data := EncodeSnapshot(snap)

	// One 0xFE record must cover the three consecutive blanks.
	count := 0
	for i := snapshotHeaderSize; i < len(data); i++ {
		if data[i] == markerBlankRows {
			count++
			if data[i+1] != 3 {
				t.Errorf("blank run length = %d, want 3", data[i+1])
			}
			i++
		}
	}
	if count != 1 {
		t.Errorf("blank row records = %d, want 1", count)
	}

	decoded := roundTrip(t, snap)
	if !reflect.DeepEqual(snap.Cells, decoded.Cells) {
		t.Errorf("cells mismatch: %+v vs %+v", decoded.Cells, snap.Cells)
	}
}

func TestCodec_SimpleSpaceIsOneByte(t *testing.T) {
	snap := &Snapshot{
		Cols: 5, Rows: 1,
		Cells: [][]Cell{{{Char: "a", Width: 1}, blankCell(), {Char: "b", Width: 1}}},
	}

	data := EncodeSnapshot(snap)
	// Row record: 0xFD len(2) + 'a'(2) + space(1) + 'b'(2)
	bodyLen := len(data) - snapshotHeaderSize
	if bodyLen != 3+2+1+2 {
		t.Errorf("body length = %d, want 8", bodyLen)
	}
}

func TestCodec_StyledSpace(t *testing.T) {
	snap := &Snapshot{
		Cols: 5, Rows: 1,
		Cells: [][]Cell{{{Char: " ", Width: 1, BG: PaletteColor(4)}}},
	}

	decoded := roundTrip(t, snap)
	cell := decoded.Cells[0][0]
	if cell.Char != " " || cell.BG != PaletteColor(4) {
		t.Errorf("styled space lost: %+v", cell)
	}
}

func TestCodec_WideCharContinuation(t *testing.T) {
	snap := &Snapshot{
		Cols: 6, Rows: 1,
		Cells: [][]Cell{{{Char: "가", Width: 2}, {}, {Char: "x", Width: 1}}},
	}

	decoded := roundTrip(t, snap)
	row := decoded.Cells[0]
	if len(row) != 3 {
		t.Fatalf("row length = %d, want 3 (wide + continuation + x)", len(row))
	}
	if row[1].Char != "" || row[1].Width != 0 {
		t.Errorf("continuation cell = %+v", row[1])
	}
}

func TestCodec_RejectsBadInput(t *testing.T) {
	good := EncodeSnapshot(&Snapshot{
		Cols: 4, Rows: 2, Cells: [][]Cell{{{Char: "a", Width: 1}}},
	})

	bad := append([]byte(nil), good...)
	bad[0] = 0xff
	if _, err := DecodeSnapshot(bad); err == nil {
		t.Error("bad magic should be rejected")
	}

	bad = append([]byte(nil), good...)
	bad[2] = 9
	if _, err := DecodeSnapshot(bad); err == nil {
		t.Error("bad version should be rejected")
	}

	bad = append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(bad[4:], 5000)
	if _, err := DecodeSnapshot(bad); err == nil {
		t.Error("cols out of range should be rejected")
	}

	if _, err := DecodeSnapshot(good[:10]); err == nil {
		t.Error("truncated header should be rejected")
	}
}

func TestCodec_RejectsOversizedCellCount(t *testing.T) {
	data := EncodeSnapshot(&Snapshot{
		Cols: 2, Rows: 1, Cells: [][]Cell{{{Char: "a", Width: 1}}},
	})
	// Patch the row record's cell count past 2*cols.
	pos := snapshotHeaderSize
	if data[pos] != markerRow {
		t.Fatalf("expected row marker at %d", pos)
	}
	binary.LittleEndian.PutUint16(data[pos+1:], 5)
	if _, err := DecodeSnapshot(data); err == nil {
		t.Error("cellCount > 2*cols should be rejected")
	}
}

func TestCodec_CursorOutOfBoundsIsWarningOnly(t *testing.T) {
	snap := &Snapshot{
		Cols: 4, Rows: 2, CursorX: 99, CursorY: 99,
		Cells: [][]Cell{{{Char: "a", Width: 1}}},
	}
	if _, err := DecodeSnapshot(EncodeSnapshot(snap)); err != nil {
		t.Errorf("out-of-bounds cursor should decode with a warning, got %v", err)
	}
}
