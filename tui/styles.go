// Package tui provides the terminal browser for datablocks.
package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Theme holds the colors of the interface and the matching color tags for
// dynamic text.
type Theme struct {
	Name         string
	Text         tcell.Color
	TextDim      tcell.Color
	Accent       tcell.Color
	Border       tcell.Color
	Error        tcell.Color
	SelectedText tcell.Color
	FieldBg      tcell.Color

	TagText       string
	TagTextDim    string
	TagAccent     string
	TagError      string
	TagSuccess    string
	TagHotkey     string
	TagActionText string
	TagReset      string
}

var themes = []Theme{
	{
		Name:          "default",
		Text:          tcell.ColorWhite,
		TextDim:       tcell.ColorGray,
		Accent:        tcell.NewHexColor(0x5fafff),
		Border:        tcell.ColorGray,
		Error:         tcell.ColorRed,
		SelectedText:  tcell.ColorBlack,
		FieldBg:       tcell.NewHexColor(0x303030),
		TagText:       "[#ffffff]",
		TagTextDim:    "[#808080]",
		TagAccent:     "[#5fafff]",
		TagError:      "[#ff5f5f]",
		TagSuccess:    "[#5fd75f]",
		TagHotkey:     "[#ffd75f]",
		TagActionText: "[#c0c0c0]",
		TagReset:      "[-]",
	},
	{
		Name:          "mono",
		Text:          tcell.ColorWhite,
		TextDim:       tcell.ColorSilver,
		Accent:        tcell.ColorWhite,
		Border:        tcell.ColorWhite,
		Error:         tcell.ColorWhite,
		SelectedText:  tcell.ColorBlack,
		FieldBg:       tcell.ColorBlack,
		TagText:       "[#ffffff]",
		TagTextDim:    "[#c0c0c0]",
		TagAccent:     "[#ffffff]",
		TagError:      "[#ffffff]",
		TagSuccess:    "[#ffffff]",
		TagHotkey:     "[#ffffff]",
		TagActionText: "[#c0c0c0]",
		TagReset:      "[-]",
	},
	{
		Name:          "amber",
		Text:          tcell.NewHexColor(0xffb000),
		TextDim:       tcell.NewHexColor(0x996a00),
		Accent:        tcell.NewHexColor(0xffd37f),
		Border:        tcell.NewHexColor(0x996a00),
		Error:         tcell.NewHexColor(0xff5f00),
		SelectedText:  tcell.ColorBlack,
		FieldBg:       tcell.NewHexColor(0x262626),
		TagText:       "[#ffb000]",
		TagTextDim:    "[#996a00]",
		TagAccent:     "[#ffd37f]",
		TagError:      "[#ff5f00]",
		TagSuccess:    "[#ffd37f]",
		TagHotkey:     "[#ffffff]",
		TagActionText: "[#ffb000]",
		TagReset:      "[-]",
	},
}

var themeIndex int

// CurrentTheme is the active theme.
var CurrentTheme = themes[0]

// SetTheme selects a theme by name. Unknown names keep the current theme.
func SetTheme(name string) bool {
	for i, th := range themes {
		if strings.EqualFold(th.Name, name) {
			themeIndex = i
			CurrentTheme = th
			return true
		}
	}
	return false
}

// NextTheme switches to the next theme and returns its name.
func NextTheme() string {
	themeIndex = (themeIndex + 1) % len(themes)
	CurrentTheme = themes[themeIndex]
	return CurrentTheme.Name
}

// ThemeName returns the name of the active theme.
func ThemeName() string {
	return CurrentTheme.Name
}

// Label formats a "name: value" line for a details panel.
func (th Theme) Label(name string, value interface{}) string {
	return fmt.Sprintf("%s%s:%s %v", th.TagAccent, name, th.TagReset, value)
}

// ApplyInputFieldTheme applies the current theme to an input field.
func ApplyInputFieldTheme(f *tview.InputField) {
	th := CurrentTheme
	f.SetLabelColor(th.Accent).
		SetFieldTextColor(th.Text).
		SetFieldBackgroundColor(th.FieldBg)
}

// ApplyFormTheme applies the current theme to a form.
func ApplyFormTheme(f *tview.Form) {
	th := CurrentTheme
	f.SetLabelColor(th.Accent).
		SetFieldTextColor(th.Text).
		SetFieldBackgroundColor(th.FieldBg).
		SetButtonBackgroundColor(th.Border).
		SetButtonTextColor(th.Text)
	f.SetBorderColor(th.Border).SetTitleColor(th.Accent)
}

// ApplyTableTheme applies the current theme to a table.
func ApplyTableTheme(t *tview.Table) {
	th := CurrentTheme
	t.SetSelectedStyle(tcell.StyleDefault.Foreground(th.SelectedText).Background(th.Accent))
	t.SetBorderColor(th.Border).SetTitleColor(th.Accent)
}

// Tree markers
const (
	TreeHidden  = "∅ "
	TreeChanged = "* "
)

// Tab labels
const (
	TabDatablocks = "Datablocks"
	TabBrowser    = "Browser"
	TabDebug      = "Debug"
)

// acceptDigits is a validation function for numeric input fields.
func acceptDigits(text string, lastChar rune) bool {
	if text == "" {
		return true
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// HelpText is shown by the ? key.
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Shift+Tab    Switch program tabs
   Tab          Move between panels
   Enter        Select / Activate
   Escape       Close dialog / Back
   ?            Show this help

 Datablocks Tab
   Enter        Open datablock
   n            Set DB number
   s            Rescan source folder

 Browser Tab
   /            Find field by name
   f            Filter dialog
   F            Reset filter
   h            Show/hide filtered fields
   r            Read from PLC
   p            Toggle polling
   W            Write value to field
   c            Start/stop capture

 Debug Tab
   c            Clear log
   g / G        Top / bottom

 Application
   F6           Next theme
   Q            Quit
`
