// Package colorize highlights listing lines with chroma. Colors are off when
// BINMERCHANT_NO_COLOR is set or SetEnabled(false) was called.
package colorize

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var disabled atomic.Bool

func init() {
	if os.Getenv("BINMERCHANT_NO_COLOR") != "" {
		disabled.Store(true)
	}
}

// SetEnabled turns coloring on or off for the whole process.
func SetEnabled(on bool) {
	disabled.Store(!on)
}

func Enabled() bool {
	return !disabled.Load()
}

// lexerFor picks an assembly lexer for a BinExport2 architecture name.
func lexerFor(arch string) chroma.Lexer {
	candidates := []string{"nasm", "gas"}
	if strings.HasPrefix(strings.ToLower(arch), "arm") {
		candidates = []string{"armasm", "gas", "nasm"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func style() *chroma.Style {
	for _, name := range []string{styleName, "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func formatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Assembly highlights an instruction's mnemonic and operands. The input is
// returned unchanged when colors are off or highlighting fails.
func Assembly(arch, code string) string {
	if !Enabled() || code == "" {
		return code
	}
	lexer := lexerFor(arch)
	if lexer == nil {
		return code
	}
	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter().Format(&buf, style(), it); err != nil {
		return code
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

const (
	ansiReset = "\033[0m"
	ansiGray  = "\033[38;5;240m"
	ansiGreen = "\033[38;5;108m"
	ansiBlue  = "\033[38;5;75m"
)

func wrap(code, s string) string {
	if !Enabled() || s == "" {
		return s
	}
	return code + s + ansiReset
}

// Address dims an address column.
func Address(s string) string { return wrap(ansiGray, s) }

// Bytes dims a raw bytes column.
func Bytes(s string) string { return wrap(ansiGray, s) }

// Comment colors comments and decode cross-checks.
func Comment(s string) string { return wrap(ansiGreen, s) }

// Target colors call target annotations.
func Target(s string) string { return wrap(ansiBlue, s) }
