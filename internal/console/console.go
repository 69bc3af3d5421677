// Package console renders guest serial output onto a virtual terminal
// screen so escape sequences are interpreted rather than passed through.
package console

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	DefaultCols = 80
	DefaultRows = 25
)

// Console is an io.Writer suitable as UART output.
type Console struct {
	emu  *vt.SafeEmulator
	once sync.Once
	done chan struct{}
}

// New returns a console of the given size. Non-positive dimensions select
// the defaults.
func New(cols, rows int) *Console {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	emu := vt.NewSafeEmulator(cols, rows)
	swallowQueries(emu)

	c := &Console{emu: emu, done: make(chan struct{})}
	// Terminal replies are written to the emulator's input side and block
	// the writer unless someone drains them.
	go func() {
		defer close(c.done)
		_, _ = io.Copy(io.Discard, emu)
	}()
	return c
}

// swallowQueries stops status and attribute queries from producing replies
// that a guest would read back as keyboard input.
func swallowQueries(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// Write feeds guest output to the terminal.
func (c *Console) Write(p []byte) (int, error) {
	return c.emu.Write(p)
}

// Size returns the screen dimensions.
func (c *Console) Size() (cols, rows int) {
	return c.emu.Width(), c.emu.Height()
}

// Cursor returns the cursor column and row.
func (c *Console) Cursor() (x, y int) {
	pos := c.emu.CursorPosition()
	return pos.X, pos.Y
}

// Lines returns the screen contents with trailing blanks and trailing empty
// rows removed.
func (c *Console) Lines() []string {
	cols, rows := c.Size()
	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var b strings.Builder
		for x := 0; x < cols; {
			cell := c.emu.CellAt(x, y)
			w := 1
			content := " "
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			b.WriteString(content)
			x += w
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Close stops the terminal.
func (c *Console) Close() error {
	var err error
	c.once.Do(func() {
		err = c.emu.Close()
		<-c.done
	})
	return err
}
