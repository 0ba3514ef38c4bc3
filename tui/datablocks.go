package tui

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dbscope/catalog"
	"dbscope/config"
)

// DatablocksTab lists the datablock sources of the catalog.
type DatablocksTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	frame     *tview.Frame
	statusBar *tview.TextView
	buttonBar *tview.TextView
}

// NewDatablocksTab creates a new datablocks tab.
func NewDatablocksTab(app *App) *DatablocksTab {
	t := &DatablocksTab{app: app}
	t.setupUI()
	t.Refresh()
	return t
}

func (t *DatablocksTab) setupUI() {
	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetSelectedFunc(t.onSelect)
	t.table.SetInputCapture(t.handleKeys)

	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.frame = tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	t.frame.SetBorder(true).SetTitle(" Datablocks ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.frame, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *DatablocksTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'n':
		t.showNumberDialog()
		return nil
	case 's':
		t.rescan()
		return nil
	}
	return event
}

func (t *DatablocksTab) selectedName() string {
	row, _ := t.table.GetSelection()
	if row <= 0 {
		return ""
	}
	cell := t.table.GetCell(row, 1)
	if cell == nil {
		return ""
	}
	return cell.Text
}

func (t *DatablocksTab) onSelect(row, col int) {
	name := t.selectedName()
	if name == "" {
		return
	}
	info, err := t.app.manager.Open(name)
	if err != nil {
		DebugLogError("open %s: %v", name, err)
		t.app.showError("Open failed", err.Error())
		return
	}
	DebugLog("opened %s (DB%d, %d bytes)", info.Name, info.Number, info.Size)
	for _, w := range info.Warnings {
		DebugLog("%s: %s", info.Name, w)
	}
	t.Refresh()
	t.app.browserTab.Reload()
	t.app.switchToTab(1)
	t.app.setStatus(fmt.Sprintf("Opened %s: %d bytes", info.Name, info.Size))
}

// Refresh rebuilds the table from the catalog.
func (t *DatablocksTab) Refresh() {
	th := CurrentTheme
	selected := t.selectedName()
	t.table.Clear()

	headers := []string{"", "Name", "DB", "File"}
	for i, h := range headers {
		t.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(th.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	open := ""
	if info, err := t.app.manager.Info(); err == nil {
		open = info.Name
	}

	entries := t.app.manager.Catalog().Entries()
	for i, e := range entries {
		row := i + 1
		marker := " "
		if e.Name == open {
			marker = "●"
		}
		t.table.SetCell(row, 0, tview.NewTableCell(marker).SetTextColor(th.Accent))
		t.table.SetCell(row, 1, tview.NewTableCell(e.Name).SetTextColor(th.Text).SetExpansion(1))
		t.table.SetCell(row, 2, tview.NewTableCell(numberText(e)).SetTextColor(th.Text))
		t.table.SetCell(row, 3, tview.NewTableCell(filepath.Base(e.Path)).SetTextColor(th.TextDim).SetExpansion(2))
		if e.Name == selected {
			t.table.Select(row, 0)
		}
	}

	udts := t.app.manager.Catalog().Udts().Len()
	status := fmt.Sprintf(" %d datablocks, %d UDTs in %s", len(entries), udts, t.app.manager.Catalog().Dir())
	if n := len(t.app.manager.Catalog().Warnings()); n > 0 {
		status += fmt.Sprintf("  %s%d warnings (see Debug)%s", th.TagError, n, th.TagReset)
	}
	t.statusBar.SetText(status)
}

func numberText(e catalog.Entry) string {
	if e.Number == 0 {
		return "-"
	}
	return strconv.Itoa(e.Number)
}

func (t *DatablocksTab) rescan() {
	cat := t.app.manager.Catalog()
	if err := cat.Scan(); err != nil {
		t.app.showError("Scan failed", err.Error())
		return
	}
	cfg := t.app.config
	cfg.Lock()
	dbs := append([]config.DatablockConfig(nil), cfg.Datablocks...)
	cfg.Unlock()
	cat.Merge(dbs, cfg.DatablockPath)

	for _, w := range cat.Warnings() {
		DebugLogError("%v", w)
	}
	t.Refresh()
	t.app.setStatus(fmt.Sprintf("Scanned %s", cat.Dir()))
}

func (t *DatablocksTab) showNumberDialog() {
	name := t.selectedName()
	if name == "" {
		return
	}
	entry, _ := t.app.manager.Catalog().Find(name)

	const pageName = "number-dialog"
	form := tview.NewForm()
	ApplyFormTheme(form)
	form.SetBorder(true).SetTitle(" DB number: " + name + " ")
	form.AddInputField("Number:", strconv.Itoa(entry.Number), 8, acceptDigits, nil)

	form.AddButton("Save", func() {
		text := form.GetFormItemByLabel("Number:").(*tview.InputField).GetText()
		number, err := strconv.Atoi(text)
		if err != nil || number < 1 || number > 65535 {
			t.app.setStatus("DB number must be between 1 and 65535")
			return
		}
		if err := t.setNumber(name, number); err != nil {
			t.app.closeModal(pageName)
			t.app.showError("Set number failed", err.Error())
			return
		}
		t.app.closeModal(pageName)
		t.Refresh()
		t.app.setStatus(fmt.Sprintf("%s is DB%d", name, number))
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })

	t.app.showFormModal(pageName, form, 40, 7, func() { t.app.closeModal(pageName) })
}

// setNumber updates the open session or the catalog, then persists the
// number in the configuration.
func (t *DatablocksTab) setNumber(name string, number int) error {
	m := t.app.manager
	var err error
	if info, ierr := m.Info(); ierr == nil && info.Name == name {
		err = m.SetNumber(number)
	} else {
		err = m.Catalog().SetNumber(name, number)
	}
	if err != nil {
		return err
	}
	if t.app.configPath == "" {
		return nil
	}
	t.app.config.Lock()
	t.app.config.SetDatablockNumber(name, number)
	return t.app.config.UnlockAndSave(t.app.configPath)
}

func (t *DatablocksTab) updateButtonBar() {
	th := CurrentTheme
	t.buttonBar.SetText(" " + th.TagHotkey + "Enter" + th.TagActionText + " open  " +
		th.TagHotkey + "n" + th.TagActionText + " number  " +
		th.TagHotkey + "s" + th.TagActionText + "can  " +
		th.TagActionText + "│  " +
		th.TagHotkey + "?" + th.TagActionText + " help  " +
		th.TagHotkey + "Shift+Tab" + th.TagActionText + " next tab " + th.TagReset)
}

// GetPrimitive returns the main primitive for this tab.
func (t *DatablocksTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *DatablocksTab) GetFocusable() tview.Primitive {
	return t.table
}

// RefreshTheme updates theme-dependent UI elements.
func (t *DatablocksTab) RefreshTheme() {
	th := CurrentTheme
	t.updateButtonBar()
	ApplyTableTheme(t.table)
	t.frame.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.statusBar.SetTextColor(th.Text)
	t.Refresh()
}
