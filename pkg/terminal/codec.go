package terminal

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/mattn/go-runewidth"
)

// Binary snapshot format. Little-endian throughout.
//
// Header (32 bytes):
//
//	0  u16 magic      = 0x5654 ("VT")
//	2  u8  version    = 1
//	3  u8  flags      bit0 = bell-pending
//	4  u32 cols
//	8  u32 rows
//	12 i32 viewportY
//	16 i32 cursorX
//	20 i32 cursorY
//	24 u32 reserved
//	28 u32 reserved
//
// Body: 0xFE <u8 count> for runs of blank rows, 0xFD <u16 cellCount>
// followed by cells for content rows. Wide-character continuation cells
// are implicit; cellCount never exceeds 2*cols.
const (
	SnapshotMagic   uint16 = 0x5654
	SnapshotVersion byte   = 1

	snapshotHeaderSize = 32

	markerBlankRows byte = 0xFE
	markerRow       byte = 0xFD

	flagBellPending byte = 0x01
)

// Cell type byte bits.
const (
	cellHasExtended byte = 0x80
	cellIsUnicode   byte = 0x40
	cellHasFg       byte = 0x20
	cellHasBg       byte = 0x10
	cellFgIsRgb     byte = 0x08
	cellBgIsRgb     byte = 0x04

	charTypeSpace   byte = 0x00
	charTypeASCII   byte = 0x01
	charTypeUnicode byte = 0x02
)

// MaxSnapshotDim bounds cols and rows accepted by the decoder.
const MaxSnapshotDim = 1000

// EncodeSnapshot serializes a snapshot to the compact binary form.
func EncodeSnapshot(snap *Snapshot) []byte {
	buf := make([]byte, snapshotHeaderSize, snapshotHeaderSize+snap.Cols*len(snap.Cells))

	binary.LittleEndian.PutUint16(buf[0:], SnapshotMagic)
	buf[2] = SnapshotVersion
	if snap.Bell {
		buf[3] = flagBellPending
	}
	binary.LittleEndian.PutUint32(buf[4:], uint32(snap.Cols))
	binary.LittleEndian.PutUint32(buf[8:], uint32(snap.Rows))
	binary.LittleEndian.PutUint32(buf[12:], uint32(int32(snap.ViewportY)))
	binary.LittleEndian.PutUint32(buf[16:], uint32(int32(snap.CursorX)))
	binary.LittleEndian.PutUint32(buf[20:], uint32(int32(snap.CursorY)))

	blankRun := 0
	flushBlanks := func() {
		for blankRun > 0 {
			n := blankRun
			if n > 255 {
				n = 255
			}
			buf = append(buf, markerBlankRows, byte(n))
			blankRun -= n
		}
	}

	for _, row := range snap.Cells {
		if rowBlank(row) {
			blankRun++
			continue
		}
		flushBlanks()

		cells := encodableCells(row)
		buf = append(buf, markerRow, 0, 0)
		binary.LittleEndian.PutUint16(buf[len(buf)-2:], uint16(len(cells)))
		for _, cell := range cells {
			buf = appendCell(buf, cell)
		}
	}
	flushBlanks()

	return buf
}

// encodableCells drops wide-character continuation halves; the decoder
// reconstructs them from character widths.
func encodableCells(row []Cell) []Cell {
	out := make([]Cell, 0, len(row))
	for _, cell := range row {
		if cell.Char == "" && cell.Width == 0 {
			continue
		}
		out = append(out, cell)
	}
	return out
}

func appendCell(buf []byte, cell Cell) []byte {
	isSpace := cell.Char == " "
	hasExtended := cell.Attrs != 0 || cell.FG != 0 || cell.BG != 0

	if isSpace && !hasExtended {
		return append(buf, 0x00)
	}

	isASCII := !isSpace && len(cell.Char) == 1 && cell.Char[0] < 0x80

	var typeByte byte
	switch {
	case isSpace:
		typeByte = charTypeSpace
	case isASCII:
		typeByte = charTypeASCII
	default:
		typeByte = charTypeUnicode | cellIsUnicode
	}

	if hasExtended {
		typeByte |= cellHasExtended
		if cell.FG&colorSet != 0 {
			typeByte |= cellHasFg
			if cell.FG&colorRGB != 0 {
				typeByte |= cellFgIsRgb
			}
		}
		if cell.BG&colorSet != 0 {
			typeByte |= cellHasBg
			if cell.BG&colorRGB != 0 {
				typeByte |= cellBgIsRgb
			}
		}
	}

	buf = append(buf, typeByte)

	switch {
	case isASCII:
		buf = append(buf, cell.Char[0])
	case !isSpace:
		buf = append(buf, byte(len(cell.Char)))
		buf = append(buf, cell.Char...)
	}

	if hasExtended {
		buf = append(buf, cell.Attrs)
		if cell.FG&colorSet != 0 {
			buf = appendColor(buf, cell.FG)
		}
		if cell.BG&colorSet != 0 {
			buf = appendColor(buf, cell.BG)
		}
	}

	return buf
}

func appendColor(buf []byte, color uint32) []byte {
	if color&colorRGB != 0 {
		return append(buf, byte(color>>16), byte(color>>8), byte(color))
	}
	return append(buf, byte(color))
}

// DecodeSnapshot parses the binary form back into a snapshot. A cursor
// outside the grid is accepted with a warning; structural violations are
// errors.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < snapshotHeaderSize {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(data))
	}

	if magic := binary.LittleEndian.Uint16(data[0:]); magic != SnapshotMagic {
		return nil, fmt.Errorf("bad snapshot magic 0x%04x", magic)
	}
	if data[2] != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", data[2])
	}

	snap := &Snapshot{
		Bell:      data[3]&flagBellPending != 0,
		Cols:      int(binary.LittleEndian.Uint32(data[4:])),
		Rows:      int(binary.LittleEndian.Uint32(data[8:])),
		ViewportY: int(int32(binary.LittleEndian.Uint32(data[12:]))),
		CursorX:   int(int32(binary.LittleEndian.Uint32(data[16:]))),
		CursorY:   int(int32(binary.LittleEndian.Uint32(data[20:]))),
	}

	if snap.Cols < 1 || snap.Cols > MaxSnapshotDim {
		return nil, fmt.Errorf("cols %d out of range", snap.Cols)
	}
	if snap.Rows < 1 || snap.Rows > MaxSnapshotDim {
		return nil, fmt.Errorf("rows %d out of range", snap.Rows)
	}
	if snap.CursorX < 0 || snap.CursorX >= snap.Cols || snap.CursorY < 0 || snap.CursorY >= snap.Rows {
		log.Printf("[WARN] snapshot cursor (%d,%d) outside %dx%d grid",
			snap.CursorX, snap.CursorY, snap.Cols, snap.Rows)
	}

	pos := snapshotHeaderSize
	for pos < len(data) {
		marker := data[pos]
		pos++

		switch marker {
		case markerBlankRows:
			if pos >= len(data) {
				return nil, fmt.Errorf("truncated blank-row record")
			}
			count := int(data[pos])
			pos++
			for i := 0; i < count; i++ {
				snap.Cells = append(snap.Cells, []Cell{blankCell()})
			}

		case markerRow:
			if pos+2 > len(data) {
				return nil, fmt.Errorf("truncated row record")
			}
			cellCount := int(binary.LittleEndian.Uint16(data[pos:]))
			pos += 2
			if cellCount > 2*snap.Cols {
				return nil, fmt.Errorf("cell count %d exceeds 2*cols", cellCount)
			}

			row := make([]Cell, 0, cellCount)
			for i := 0; i < cellCount; i++ {
				cell, next, err := decodeCell(data, pos)
				if err != nil {
					return nil, err
				}
				pos = next
				row = append(row, cell)
				if cell.Width == 2 {
					row = append(row, Cell{})
				}
			}
			snap.Cells = append(snap.Cells, row)

		default:
			return nil, fmt.Errorf("unknown row marker 0x%02x", marker)
		}

		if len(snap.Cells) > snap.Rows {
			return nil, fmt.Errorf("row records exceed declared rows")
		}
	}

	return snap, nil
}

func decodeCell(data []byte, pos int) (Cell, int, error) {
	if pos >= len(data) {
		return Cell{}, pos, fmt.Errorf("truncated cell")
	}

	typeByte := data[pos]
	pos++

	if typeByte == 0x00 {
		return blankCell(), pos, nil
	}

	cell := Cell{Width: 1}

	switch typeByte & 0x03 {
	case charTypeSpace:
		cell.Char = " "
	case charTypeASCII:
		if pos >= len(data) {
			return Cell{}, pos, fmt.Errorf("truncated ASCII cell")
		}
		cell.Char = string(rune(data[pos]))
		pos++
	case charTypeUnicode:
		if pos >= len(data) {
			return Cell{}, pos, fmt.Errorf("truncated unicode cell")
		}
		n := int(data[pos])
		pos++
		if pos+n > len(data) {
			return Cell{}, pos, fmt.Errorf("truncated unicode cell data")
		}
		cell.Char = string(data[pos : pos+n])
		pos += n
		if w := runewidth.StringWidth(cell.Char); w >= 2 {
			cell.Width = 2
		}
	default:
		return Cell{}, pos, fmt.Errorf("invalid cell char type")
	}

	if typeByte&cellHasExtended != 0 {
		if pos >= len(data) {
			return Cell{}, pos, fmt.Errorf("truncated cell attributes")
		}
		cell.Attrs = data[pos]
		pos++

		if typeByte&cellHasFg != 0 {
			var err error
			cell.FG, pos, err = decodeColor(data, pos, typeByte&cellFgIsRgb != 0)
			if err != nil {
				return Cell{}, pos, err
			}
		}
		if typeByte&cellHasBg != 0 {
			var err error
			cell.BG, pos, err = decodeColor(data, pos, typeByte&cellBgIsRgb != 0)
			if err != nil {
				return Cell{}, pos, err
			}
		}
	}

	return cell, pos, nil
}

func decodeColor(data []byte, pos int, isRGB bool) (uint32, int, error) {
	if isRGB {
		if pos+3 > len(data) {
			return 0, pos, fmt.Errorf("truncated RGB color")
		}
		color := RGBColor(data[pos], data[pos+1], data[pos+2])
		return color, pos + 3, nil
	}
	if pos >= len(data) {
		return 0, pos, fmt.Errorf("truncated palette color")
	}
	return PaletteColor(data[pos]), pos + 1, nil
}
