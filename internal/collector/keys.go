package collector

import "strings"

// KeyEvent is a keydown as seen by the page.
type KeyEvent struct {
	Key   string
	Ctrl  bool
	Shift bool
	Alt   bool
	Meta  bool
}

// IsDevToolsShortcut reports whether e opens developer tools in a common
// browser: F12, Ctrl+Shift+I/J/C, Ctrl+Alt+I, Alt+Shift+I, Shift+F7 and
// Cmd+Alt+I/J/C.
func IsDevToolsShortcut(e KeyEvent) bool {
	key := strings.ToUpper(e.Key)
	switch {
	case key == "F12":
		return true
	case e.Shift && key == "F7":
		return true
	case e.Ctrl && e.Shift && (key == "I" || key == "J" || key == "C"):
		return true
	case e.Ctrl && e.Alt && key == "I":
		return true
	case e.Alt && e.Shift && key == "I":
		return true
	case e.Meta && e.Alt && (key == "I" || key == "J" || key == "C"):
		return true
	}
	return false
}
