package terminal

import (
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
)

// MaxScrollback bounds the number of lines kept above the viewport. The
// same constant drives flow-control utilization.
const MaxScrollback = 10000

// Cell attribute bits.
const (
	AttrBold uint8 = 1 << iota
	AttrItalic
	AttrUnderline
	AttrFaint
	AttrInverse
	AttrHidden
	AttrStrike
)

// Color encoding: zero means "default". Set colors carry colorSet, RGB
// colors additionally carry colorRGB with the value in the low 24 bits;
// palette colors keep the index in the low 8 bits.
const (
	colorSet uint32 = 1 << 31
	colorRGB uint32 = 1 << 30
)

// PaletteColor builds a 256-color palette cell color.
func PaletteColor(idx uint8) uint32 {
	return colorSet | uint32(idx)
}

// RGBColor builds a 24-bit cell color.
func RGBColor(r, g, b uint8) uint32 {
	return colorSet | colorRGB | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// Cell is one grid position. Char is a full grapheme (base rune plus any
// zero-width combiners); an empty Char with Width 0 is the continuation
// half of a wide character.
type Cell struct {
	Char  string
	Width uint8
	FG    uint32
	BG    uint32
	Attrs uint8
}

func blankCell() Cell {
	return Cell{Char: " ", Width: 1}
}

func (c Cell) isBlank() bool {
	return (c.Char == " " || c.Char == "") && c.FG == 0 && c.BG == 0 && c.Attrs == 0
}

// Snapshot is the visible viewport at a point in time, with trailing blank
// rows and per-row trailing blank cells trimmed (at least one row and one
// cell per row are kept).
type Snapshot struct {
	Cols      int
	Rows      int
	ViewportY int
	CursorX   int
	CursorY   int
	Bell      bool
	Cells     [][]Cell
}

// Emulator is a headless VT terminal: it consumes output bytes and
// maintains a viewport plus bounded scrollback, cheap to snapshot for
// client catch-up.
type Emulator struct {
	mu         sync.Mutex
	cols, rows int
	screen     [][]Cell
	scrollback [][]Cell

	cursorX, cursorY int
	savedX, savedY   int
	scrollTop        int // 0-based inclusive
	scrollBottom     int

	fg, bg uint32
	attrs  uint8

	altScreen   bool
	savedScreen [][]Cell
	altSavedX   int
	altSavedY   int

	bell  bool
	title string

	parser *AnsiParser

	// OnBell fires for every BEL byte; OnTitle for every title change.
	OnBell  func()
	OnTitle func(string)
}

// NewEmulator creates an emulator with the given viewport size.
func NewEmulator(cols, rows int) *Emulator {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	e := &Emulator{
		cols:         cols,
		rows:         rows,
		screen:       newScreen(cols, rows),
		scrollBottom: rows - 1,
		parser:       NewAnsiParser(),
	}

	e.parser.OnPrint = e.handlePrint
	e.parser.OnExecute = e.handleExecute
	e.parser.OnCsi = e.handleCsi
	e.parser.OnOsc = e.handleOsc
	e.parser.OnEscape = e.handleEscape

	return e
}

func newScreen(cols, rows int) [][]Cell {
	screen := make([][]Cell, rows)
	for i := range screen {
		screen[i] = newRow(cols)
	}
	return screen
}

func newRow(cols int) []Cell {
	row := make([]Cell, cols)
	for i := range row {
		row[i] = blankCell()
	}
	return row
}

// Write feeds terminal output bytes into the emulator.
func (e *Emulator) Write(data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parser.Parse(data)
	return len(data), nil
}

// Size returns the current viewport dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// Title returns the most recent window title set via OSC 0/1/2.
func (e *Emulator) Title() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.title
}

// BufferUtilization reports how full the emulator's line budget is:
// (scrollback lines + viewport rows) / MaxScrollback.
func (e *Emulator) BufferUtilization() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(len(e.scrollback)+e.rows) / float64(MaxScrollback)
}

// Resize adjusts the viewport, truncating or padding content top-left.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	if cols == e.cols && rows == e.rows {
		return
	}

	e.screen = resizeScreen(e.screen, e.cols, e.rows, cols, rows)
	if e.savedScreen != nil {
		e.savedScreen = resizeScreen(e.savedScreen, e.cols, e.rows, cols, rows)
	}

	e.cols = cols
	e.rows = rows
	e.scrollTop = 0
	e.scrollBottom = rows - 1

	if e.cursorX >= cols {
		e.cursorX = cols - 1
	}
	if e.cursorY >= rows {
		e.cursorY = rows - 1
	}
}

func resizeScreen(old [][]Cell, oldCols, oldRows, cols, rows int) [][]Cell {
	screen := newScreen(cols, rows)
	copyRows := oldRows
	if rows < copyRows {
		copyRows = rows
	}
	copyCols := oldCols
	if cols < copyCols {
		copyCols = cols
	}
	for y := 0; y < copyRows; y++ {
		copy(screen[y][:copyCols], old[y][:copyCols])
	}
	return screen
}

// Snapshot captures the viewport. The bell flag is consumed: it reports
// whether a BEL arrived since the previous snapshot.
func (e *Emulator) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	lastRow := e.rows - 1
	for lastRow > 0 && rowBlank(e.screen[lastRow]) {
		lastRow--
	}

	cells := make([][]Cell, lastRow+1)
	for y := 0; y <= lastRow; y++ {
		cells[y] = trimRow(e.screen[y])
	}

	snap := &Snapshot{
		Cols:      e.cols,
		Rows:      e.rows,
		ViewportY: len(e.scrollback),
		CursorX:   e.cursorX,
		CursorY:   e.cursorY,
		Bell:      e.bell,
		Cells:     cells,
	}
	e.bell = false
	return snap
}

func rowBlank(row []Cell) bool {
	for _, c := range row {
		if !c.isBlank() {
			return false
		}
	}
	return true
}

func trimRow(row []Cell) []Cell {
	last := len(row) - 1
	for last > 0 && row[last].isBlank() {
		last--
	}
	// Keep the continuation half of a trailing wide character.
	if row[last].Width == 2 && last+1 < len(row) {
		last++
	}
	out := make([]Cell, last+1)
	copy(out, row[:last+1])
	return out
}

// Text renders the viewport as plain text, one line per row, trailing
// blanks trimmed. With styles, SGR sequences are emitted at attribute
// boundaries.
func (e *Emulator) Text(styles bool) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	for y := 0; y < e.rows; y++ {
		row := trimRow(e.screen[y])
		if len(row) == 1 && row[0].isBlank() {
			b.WriteByte('\n')
			continue
		}
		var prev Cell
		styled := false
		for _, cell := range row {
			if cell.Width == 0 && cell.Char == "" {
				continue
			}
			if styles && (cell.FG != prev.FG || cell.BG != prev.BG || cell.Attrs != prev.Attrs) {
				b.WriteString(sgrFor(cell))
				styled = true
				prev = cell
			}
			b.WriteString(cell.Char)
		}
		if styled {
			b.WriteString("\x1b[0m")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func sgrFor(cell Cell) string {
	var parts []string
	parts = append(parts, "0")
	if cell.Attrs&AttrBold != 0 {
		parts = append(parts, "1")
	}
	if cell.Attrs&AttrFaint != 0 {
		parts = append(parts, "2")
	}
	if cell.Attrs&AttrItalic != 0 {
		parts = append(parts, "3")
	}
	if cell.Attrs&AttrUnderline != 0 {
		parts = append(parts, "4")
	}
	if cell.Attrs&AttrInverse != 0 {
		parts = append(parts, "7")
	}
	if cell.Attrs&AttrHidden != 0 {
		parts = append(parts, "8")
	}
	if cell.Attrs&AttrStrike != 0 {
		parts = append(parts, "9")
	}
	if cell.FG&colorSet != 0 {
		if cell.FG&colorRGB != 0 {
			parts = append(parts, "38", "2",
				itoa(int(cell.FG>>16&0xff)), itoa(int(cell.FG>>8&0xff)), itoa(int(cell.FG&0xff)))
		} else {
			parts = append(parts, "38", "5", itoa(int(cell.FG&0xff)))
		}
	}
	if cell.BG&colorSet != 0 {
		if cell.BG&colorRGB != 0 {
			parts = append(parts, "48", "2",
				itoa(int(cell.BG>>16&0xff)), itoa(int(cell.BG>>8&0xff)), itoa(int(cell.BG&0xff)))
		} else {
			parts = append(parts, "48", "5", itoa(int(cell.BG&0xff)))
		}
	}
	return "\x1b[" + strings.Join(parts, ";") + "m"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// runeCellWidth classifies a rune for grid placement: 0 for zero-width
// joiners, variation selectors and combining marks, 2 for East-Asian wide
// and emoji, 1 otherwise.
func runeCellWidth(r rune) int {
	if r == 0x200d || (r >= 0xfe00 && r <= 0xfe0f) || r == 0x200b || r == 0x200c {
		return 0
	}
	return runewidth.RuneWidth(r)
}

func (e *Emulator) handlePrint(r rune) {
	width := runeCellWidth(r)

	if width == 0 {
		e.attachZeroWidth(r)
		return
	}

	if e.cursorX+width > e.cols {
		e.cursorX = 0
		e.lineFeed()
	}

	e.screen[e.cursorY][e.cursorX] = Cell{
		Char:  string(r),
		Width: uint8(width),
		FG:    e.fg,
		BG:    e.bg,
		Attrs: e.attrs,
	}
	if width == 2 && e.cursorX+1 < e.cols {
		e.screen[e.cursorY][e.cursorX+1] = Cell{}
	}

	e.cursorX += width
	if e.cursorX >= e.cols {
		e.cursorX = 0
		e.lineFeed()
	}
}

// attachZeroWidth appends a zero-width rune to the grapheme before the
// cursor so clusters like emoji + variation selector stay in one cell.
func (e *Emulator) attachZeroWidth(r rune) {
	x, y := e.cursorX, e.cursorY
	if x == 0 {
		if y == 0 {
			return
		}
		y--
		x = e.cols
	}
	x--
	// Step over the continuation half of a wide character.
	if e.screen[y][x].Char == "" && e.screen[y][x].Width == 0 && x > 0 {
		x--
	}
	e.screen[y][x].Char += string(r)
}

func (e *Emulator) handleExecute(b byte) {
	switch b {
	case '\r':
		e.cursorX = 0
	case '\n', 0x0b, 0x0c:
		e.lineFeed()
	case '\b':
		if e.cursorX > 0 {
			e.cursorX--
		}
	case '\t':
		e.cursorX = ((e.cursorX / 8) + 1) * 8
		if e.cursorX >= e.cols {
			e.cursorX = e.cols - 1
		}
	case 0x07:
		e.bell = true
		if e.OnBell != nil {
			e.OnBell()
		}
	}
}

func (e *Emulator) lineFeed() {
	if e.cursorY == e.scrollBottom {
		e.scrollUp(1)
		return
	}
	if e.cursorY < e.rows-1 {
		e.cursorY++
	}
}

// scrollUp shifts the scroll region up by n lines. When the region starts
// at the top of a primary (non-alternate) screen, evicted lines enter the
// scrollback.
func (e *Emulator) scrollUp(n int) {
	for ; n > 0; n-- {
		if e.scrollTop == 0 && !e.altScreen {
			line := make([]Cell, e.cols)
			copy(line, e.screen[0])
			e.scrollback = append(e.scrollback, line)
			if len(e.scrollback) > MaxScrollback {
				e.scrollback = e.scrollback[len(e.scrollback)-MaxScrollback:]
			}
		}
		for y := e.scrollTop; y < e.scrollBottom; y++ {
			e.screen[y] = e.screen[y+1]
		}
		e.screen[e.scrollBottom] = newRow(e.cols)
	}
}

func (e *Emulator) scrollDown(n int) {
	for ; n > 0; n-- {
		for y := e.scrollBottom; y > e.scrollTop; y-- {
			e.screen[y] = e.screen[y-1]
		}
		e.screen[e.scrollTop] = newRow(e.cols)
	}
}

func param(params []int, idx, def int) int {
	if idx < len(params) && params[idx] > 0 {
		return params[idx]
	}
	return def
}

func (e *Emulator) handleCsi(private byte, params []int, intermediate []byte, final byte) {
	if private == '?' {
		e.handlePrivateMode(params, final)
		return
	}
	if private != 0 || len(intermediate) > 0 {
		return
	}

	switch final {
	case 'A':
		e.cursorY -= param(params, 0, 1)
		if e.cursorY < 0 {
			e.cursorY = 0
		}
	case 'B':
		e.cursorY += param(params, 0, 1)
		if e.cursorY >= e.rows {
			e.cursorY = e.rows - 1
		}
	case 'C':
		e.cursorX += param(params, 0, 1)
		if e.cursorX >= e.cols {
			e.cursorX = e.cols - 1
		}
	case 'D':
		e.cursorX -= param(params, 0, 1)
		if e.cursorX < 0 {
			e.cursorX = 0
		}
	case 'E':
		e.cursorX = 0
		e.cursorY = clamp(e.cursorY+param(params, 0, 1), 0, e.rows-1)
	case 'F':
		e.cursorX = 0
		e.cursorY = clamp(e.cursorY-param(params, 0, 1), 0, e.rows-1)
	case 'G':
		e.cursorX = clamp(param(params, 0, 1)-1, 0, e.cols-1)
	case 'H', 'f':
		e.cursorY = clamp(param(params, 0, 1)-1, 0, e.rows-1)
		e.cursorX = clamp(param(params, 1, 1)-1, 0, e.cols-1)
	case 'd':
		e.cursorY = clamp(param(params, 0, 1)-1, 0, e.rows-1)
	case 'J':
		e.eraseDisplay(paramAllowZero(params, 0))
	case 'K':
		e.eraseLine(paramAllowZero(params, 0))
	case 'L':
		e.insertLines(param(params, 0, 1))
	case 'M':
		e.deleteLines(param(params, 0, 1))
	case '@':
		e.insertChars(param(params, 0, 1))
	case 'P':
		e.deleteChars(param(params, 0, 1))
	case 'X':
		e.eraseChars(param(params, 0, 1))
	case 'S':
		e.scrollUp(param(params, 0, 1))
	case 'T':
		e.scrollDown(param(params, 0, 1))
	case 'r':
		top := param(params, 0, 1) - 1
		bottom := param(params, 1, e.rows) - 1
		if top >= 0 && bottom < e.rows && top < bottom {
			e.scrollTop = top
			e.scrollBottom = bottom
			e.cursorX = 0
			e.cursorY = 0
		}
	case 'm':
		e.handleSGR(params)
	case 's':
		e.savedX, e.savedY = e.cursorX, e.cursorY
	case 'u':
		e.cursorX, e.cursorY = clamp(e.savedX, 0, e.cols-1), clamp(e.savedY, 0, e.rows-1)
	}
}

func paramAllowZero(params []int, idx int) int {
	if idx < len(params) {
		return params[idx]
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Emulator) handlePrivateMode(params []int, final byte) {
	if len(params) == 0 {
		return
	}
	switch params[0] {
	case 1049, 47, 1047:
		switch final {
		case 'h':
			e.enterAltScreen()
		case 'l':
			e.exitAltScreen()
		}
	}
	// Remaining DEC private modes (cursor visibility, wrap, mouse
	// reporting) do not affect the cell grid and are consumed.
}

func (e *Emulator) enterAltScreen() {
	if e.altScreen {
		return
	}
	e.altScreen = true
	e.savedScreen = e.screen
	e.altSavedX, e.altSavedY = e.cursorX, e.cursorY
	e.screen = newScreen(e.cols, e.rows)
	e.cursorX, e.cursorY = 0, 0
}

func (e *Emulator) exitAltScreen() {
	if !e.altScreen {
		return
	}
	e.altScreen = false
	if e.savedScreen != nil {
		e.screen = e.savedScreen
		e.savedScreen = nil
	}
	e.cursorX, e.cursorY = clamp(e.altSavedX, 0, e.cols-1), clamp(e.altSavedY, 0, e.rows-1)
}

func (e *Emulator) eraseDisplay(mode int) {
	switch mode {
	case 0:
		e.eraseLine(0)
		for y := e.cursorY + 1; y < e.rows; y++ {
			e.screen[y] = newRow(e.cols)
		}
	case 1:
		e.eraseLine(1)
		for y := 0; y < e.cursorY; y++ {
			e.screen[y] = newRow(e.cols)
		}
	case 2:
		e.screen = newScreen(e.cols, e.rows)
	case 3:
		e.screen = newScreen(e.cols, e.rows)
		e.scrollback = nil
	}
}

func (e *Emulator) eraseLine(mode int) {
	row := e.screen[e.cursorY]
	switch mode {
	case 0:
		for x := e.cursorX; x < e.cols; x++ {
			row[x] = blankCell()
		}
	case 1:
		for x := 0; x <= e.cursorX && x < e.cols; x++ {
			row[x] = blankCell()
		}
	case 2:
		e.screen[e.cursorY] = newRow(e.cols)
	}
}

func (e *Emulator) insertLines(n int) {
	if e.cursorY < e.scrollTop || e.cursorY > e.scrollBottom {
		return
	}
	for ; n > 0; n-- {
		for y := e.scrollBottom; y > e.cursorY; y-- {
			e.screen[y] = e.screen[y-1]
		}
		e.screen[e.cursorY] = newRow(e.cols)
	}
}

func (e *Emulator) deleteLines(n int) {
	if e.cursorY < e.scrollTop || e.cursorY > e.scrollBottom {
		return
	}
	for ; n > 0; n-- {
		for y := e.cursorY; y < e.scrollBottom; y++ {
			e.screen[y] = e.screen[y+1]
		}
		e.screen[e.scrollBottom] = newRow(e.cols)
	}
}

func (e *Emulator) insertChars(n int) {
	row := e.screen[e.cursorY]
	for ; n > 0; n-- {
		copy(row[e.cursorX+1:], row[e.cursorX:e.cols-1])
		row[e.cursorX] = blankCell()
	}
}

func (e *Emulator) deleteChars(n int) {
	row := e.screen[e.cursorY]
	for ; n > 0; n-- {
		copy(row[e.cursorX:], row[e.cursorX+1:])
		row[e.cols-1] = blankCell()
	}
}

func (e *Emulator) eraseChars(n int) {
	row := e.screen[e.cursorY]
	for x := e.cursorX; x < e.cursorX+n && x < e.cols; x++ {
		row[x] = blankCell()
	}
}

func (e *Emulator) handleSGR(params []int) {
	if len(params) == 0 {
		params = []int{0}
	}

	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			e.fg, e.bg, e.attrs = 0, 0, 0
		case p == 1:
			e.attrs |= AttrBold
		case p == 2:
			e.attrs |= AttrFaint
		case p == 3:
			e.attrs |= AttrItalic
		case p == 4:
			e.attrs |= AttrUnderline
		case p == 7:
			e.attrs |= AttrInverse
		case p == 8:
			e.attrs |= AttrHidden
		case p == 9:
			e.attrs |= AttrStrike
		case p == 22:
			e.attrs &^= AttrBold | AttrFaint
		case p == 23:
			e.attrs &^= AttrItalic
		case p == 24:
			e.attrs &^= AttrUnderline
		case p == 27:
			e.attrs &^= AttrInverse
		case p == 28:
			e.attrs &^= AttrHidden
		case p == 29:
			e.attrs &^= AttrStrike
		case p >= 30 && p <= 37:
			e.fg = PaletteColor(uint8(p - 30))
		case p == 38:
			color, skip := parseExtendedColor(params[i+1:])
			e.fg = color
			i += skip
		case p == 39:
			e.fg = 0
		case p >= 40 && p <= 47:
			e.bg = PaletteColor(uint8(p - 40))
		case p == 48:
			color, skip := parseExtendedColor(params[i+1:])
			e.bg = color
			i += skip
		case p == 49:
			e.bg = 0
		case p >= 90 && p <= 97:
			e.fg = PaletteColor(uint8(p - 90 + 8))
		case p >= 100 && p <= 107:
			e.bg = PaletteColor(uint8(p - 100 + 8))
		}
	}
}

// parseExtendedColor handles the tail of SGR 38/48: `5;n` or `2;r;g;b`.
// Returns the color and how many parameters were consumed.
func parseExtendedColor(rest []int) (uint32, int) {
	if len(rest) >= 2 && rest[0] == 5 {
		return PaletteColor(uint8(clamp(rest[1], 0, 255))), 2
	}
	if len(rest) >= 4 && rest[0] == 2 {
		return RGBColor(
			uint8(clamp(rest[1], 0, 255)),
			uint8(clamp(rest[2], 0, 255)),
			uint8(clamp(rest[3], 0, 255)),
		), 4
	}
	return 0, len(rest)
}

func (e *Emulator) handleOsc(params [][]byte) {
	if len(params) < 2 {
		return
	}
	code := string(params[0])
	if code == "0" || code == "1" || code == "2" {
		e.title = string(params[1])
		if e.OnTitle != nil {
			e.OnTitle(e.title)
		}
	}
}

func (e *Emulator) handleEscape(intermediate []byte, final byte) {
	if len(intermediate) > 0 {
		return
	}
	switch final {
	case '7':
		e.savedX, e.savedY = e.cursorX, e.cursorY
	case '8':
		e.cursorX = clamp(e.savedX, 0, e.cols-1)
		e.cursorY = clamp(e.savedY, 0, e.rows-1)
	case 'D':
		e.lineFeed()
	case 'E':
		e.cursorX = 0
		e.lineFeed()
	case 'M':
		if e.cursorY == e.scrollTop {
			e.scrollDown(1)
		} else if e.cursorY > 0 {
			e.cursorY--
		}
	case 'c': // RIS
		e.screen = newScreen(e.cols, e.rows)
		e.scrollback = nil
		e.cursorX, e.cursorY = 0, 0
		e.scrollTop, e.scrollBottom = 0, e.rows-1
		e.fg, e.bg, e.attrs = 0, 0, 0
		e.altScreen = false
		e.savedScreen = nil
		e.parser.Reset()
	}
}
