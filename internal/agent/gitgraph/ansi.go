package gitgraph

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// ansi 16-color palette, indexed by SGR color number 30..37 / 90..97.
var ansiPalette = map[int]string{
	30: "#000000", 31: "#cd3131", 32: "#0dbc79", 33: "#e5e510",
	34: "#2472c8", 35: "#bc3fbc", 36: "#11a8cd", 37: "#e5e5e5",
	90: "#666666", 91: "#f14c4c", 92: "#23d18b", 93: "#f5f543",
	94: "#3b8eea", 95: "#d670d6", 96: "#29b8db", 97: "#ffffff",
}

// ansiToHTML converts SGR-colored text to HTML. Only foreground colors
// and bold are honored; everything else resets or is ignored. Text is
// escaped before wrapping.
func ansiToHTML(s string) string {
	var b strings.Builder
	var open bool

	flushClose := func() {
		if open {
			b.WriteString("</span>")
			open = false
		}
	}

	for i := 0; i < len(s); {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			end := strings.IndexByte(s[i:], 'm')
			if end < 0 {
				i += 2
				continue
			}
			params := s[i+2 : i+end]
			i += end + 1

			color, bold, reset := parseSGR(params)
			if reset {
				flushClose()
				continue
			}
			if color != "" || bold {
				flushClose()
				var style strings.Builder
				if color != "" {
					fmt.Fprintf(&style, "color:%s;", color)
				}
				if bold {
					style.WriteString("font-weight:bold;")
				}
				fmt.Fprintf(&b, `<span style=%q>`, style.String())
				open = true
			}
			continue
		}
		next := strings.IndexByte(s[i:], 0x1b)
		if next < 0 {
			b.WriteString(html.EscapeString(s[i:]))
			break
		}
		b.WriteString(html.EscapeString(s[i : i+next]))
		i += next
	}
	flushClose()
	return b.String()
}

// parseSGR interprets a semicolon-separated SGR parameter list.
func parseSGR(params string) (color string, bold, reset bool) {
	if params == "" {
		return "", false, true
	}
	for _, p := range strings.Split(params, ";") {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		switch {
		case n == 0:
			reset = true
		case n == 1:
			bold = true
		case ansiPalette[n] != "":
			color = ansiPalette[n]
		}
	}
	return color, bold, reset
}

// stripANSI removes all escape sequences, leaving plain text.
func stripANSI(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			end := strings.IndexByte(s[i:], 'm')
			if end < 0 {
				i += 2
				continue
			}
			i += end + 1
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
