package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dbscope/schema"
	"dbscope/session"
	"dbscope/snapshot"
)

// BrowserTab shows the open datablock as a tree with a details panel.
type BrowserTab struct {
	app       *App
	flex      *tview.Flex
	find      *tview.InputField
	tree      *tview.TreeView
	treeFrame *tview.Frame
	details   *tview.TextView
	statusBar *tview.TextView
	buttonBar *tview.TextView

	treeRoot   *tview.TreeNode
	nodes      map[string]*tview.TreeNode // path -> tree node
	expanded   map[string]bool            // paths of expanded containers
	lastValues map[string]interface{}     // leaf path -> value at the previous read
	changed    map[string]bool            // leaves whose value changed at the last read
	showHidden bool
}

// NewBrowserTab creates a new browser tab.
func NewBrowserTab(app *App) *BrowserTab {
	t := &BrowserTab{
		app:        app,
		nodes:      make(map[string]*tview.TreeNode),
		expanded:   make(map[string]bool),
		lastValues: make(map[string]interface{}),
		changed:    make(map[string]bool),
	}
	t.setupUI()
	return t
}

func (t *BrowserTab) setupUI() {
	th := CurrentTheme

	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.find = tview.NewInputField().
		SetLabel("Find: ").
		SetFieldWidth(40)
	ApplyInputFieldTheme(t.find)
	t.find.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			t.findField(strings.TrimSpace(t.find.GetText()))
		}
		t.app.app.SetFocus(t.tree)
	})

	t.treeRoot = tview.NewTreeNode("No datablock open").SetColor(th.Accent)
	t.tree = tview.NewTreeView().
		SetRoot(t.treeRoot).
		SetCurrentNode(t.treeRoot)
	t.tree.SetSelectedFunc(t.onNodeSelected)
	t.tree.SetChangedFunc(t.showDetails)
	t.tree.SetInputCapture(t.handleTreeKeys)

	t.treeFrame = tview.NewFrame(t.tree).SetBorders(0, 0, 0, 0, 0, 0)
	t.treeFrame.SetBorder(true).SetTitle(" Fields ").SetBorderColor(th.Border).SetTitleColor(th.Accent)

	t.details = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(th.Text)
	t.details.SetBorder(true).SetTitle(" Details ").SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.details.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTab {
			t.app.app.SetFocus(t.tree)
			return nil
		}
		return event
	})

	content := tview.NewFlex().
		AddItem(t.treeFrame, 0, 1, true).
		AddItem(t.details, 44, 0, false)

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(th.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.find, 1, 0, false).
		AddItem(content, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *BrowserTab) handleTreeKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyTab:
		t.app.app.SetFocus(t.details)
		return nil
	}

	switch event.Rune() {
	case '/':
		t.app.app.SetFocus(t.find)
		return nil
	case 'f':
		t.showFilterDialog()
		return nil
	case 'F':
		if err := t.app.manager.ResetFilter(); err != nil {
			t.app.setStatus("Reset failed: " + err.Error())
			return nil
		}
		t.Reload()
		t.app.setStatus("Filter reset")
		return nil
	case 'h':
		t.showHidden = !t.showHidden
		t.Reload()
		return nil
	case 'r':
		t.app.setStatus("Reading...")
		t.app.readNow()
		return nil
	case 'p':
		t.togglePolling()
		return nil
	case 'W':
		if node := t.tree.GetCurrentNode(); node != nil {
			t.showWriteDialog(node)
		}
		return nil
	case 'c':
		t.toggleCapture()
		return nil
	}
	return event
}

func (t *BrowserTab) onNodeSelected(node *tview.TreeNode) {
	view, ok := node.GetReference().(session.NodeView)
	if !ok {
		return
	}
	if view.IsLeaf() {
		t.showWriteDialog(node)
		return
	}
	if node != t.treeRoot {
		node.SetExpanded(!node.IsExpanded())
		t.expanded[view.Path] = node.IsExpanded()
	}
}

// Reload rebuilds the tree from the session and keeps the expanded nodes
// and the cursor where they were.
func (t *BrowserTab) Reload() {
	current := ""
	if node := t.tree.GetCurrentNode(); node != nil {
		if view, ok := node.GetReference().(session.NodeView); ok {
			current = view.Path
		}
	}

	root, err := t.app.manager.Tree(!t.showHidden)
	if err != nil {
		t.treeRoot = tview.NewTreeNode("No datablock open").SetColor(CurrentTheme.Accent)
		t.tree.SetRoot(t.treeRoot).SetCurrentNode(t.treeRoot)
		t.nodes = make(map[string]*tview.TreeNode)
		t.details.SetText("")
		t.updateStatus()
		return
	}

	t.nodes = make(map[string]*tview.TreeNode)
	t.treeRoot = t.buildNode(root)
	t.treeRoot.SetExpanded(true)
	t.tree.SetRoot(t.treeRoot)

	if node, ok := t.nodes[current]; ok && current != "" {
		t.tree.SetCurrentNode(node)
	} else {
		t.tree.SetCurrentNode(t.treeRoot)
	}
	t.showDetails(t.tree.GetCurrentNode())
	t.updateStatus()
}

func (t *BrowserTab) buildNode(view session.NodeView) *tview.TreeNode {
	th := CurrentTheme
	node := tview.NewTreeNode(nodeText(view, t.changed[view.Path])).
		SetReference(view).
		SetSelectable(true)
	switch {
	case !view.Visible:
		node.SetColor(th.TextDim)
	case view.IsLeaf():
		node.SetColor(th.Text)
	default:
		node.SetColor(th.Accent)
	}
	for _, child := range view.Children {
		node.AddChild(t.buildNode(child))
	}
	if view.Path != "" {
		t.nodes[view.Path] = node
		node.SetExpanded(t.expanded[view.Path])
	}
	return node
}

// OnSnapshot marks changed fields and redraws the tree after a read.
func (t *BrowserTab) OnSnapshot(s *snapshot.Snapshot) {
	t.changed = make(map[string]bool)
	for _, e := range s.Entries {
		if last, ok := t.lastValues[e.Path]; ok && last != e.Value {
			t.changed[e.Path] = true
		}
		t.lastValues[e.Path] = e.Value
	}
	t.Reload()
}

// Refresh redraws the tree from the session.
func (t *BrowserTab) Refresh() {
	t.Reload()
}

func (t *BrowserTab) showDetails(node *tview.TreeNode) {
	if node == nil {
		return
	}
	view, ok := node.GetReference().(session.NodeView)
	if !ok {
		t.details.SetText("")
		return
	}
	t.details.SetText(detailsText(view))
	t.details.ScrollToBeginning()
}

func (t *BrowserTab) findField(query string) {
	if query == "" {
		return
	}
	var view session.NodeView
	var err error
	if strings.HasPrefix(strings.ToUpper(query), "DB") && strings.Contains(query, ".DB") {
		view, err = t.app.manager.AddressLookup(query)
	} else {
		view, err = t.app.manager.Lookup(query)
	}
	if err != nil {
		t.app.setStatus(fmt.Sprintf("%s: %v", query, err))
		return
	}
	if !view.Visible {
		t.showHidden = true
	}
	for _, p := range ancestors(view.Path) {
		t.expanded[p] = true
	}
	t.Reload()
	if node, ok := t.nodes[view.Path]; ok {
		t.tree.SetCurrentNode(node)
		t.showDetails(node)
	}
	t.app.setStatus("Found " + view.Path)
}

func (t *BrowserTab) showFilterDialog() {
	info, err := t.app.manager.Info()
	if err != nil {
		t.app.setStatus("Open a datablock first")
		return
	}

	const pageName = "filter-dialog"
	form := tview.NewForm()
	ApplyFormTheme(form)
	form.SetBorder(true).SetTitle(" Filter ")

	c := info.Criteria
	form.AddInputField("Value:", deref(c.Value), 30, nil, nil)
	form.AddInputField("Name:", deref(c.Name), 30, nil, nil)
	form.AddInputField("Container:", deref(c.Container), 30, nil, nil)
	form.AddInputField("Container value:", deref(c.ContainerValue), 30, nil, nil)

	text := func(label string) string {
		return form.GetFormItemByLabel(label).(*tview.InputField).GetText()
	}
	form.AddButton("Apply", func() {
		criteria := criteriaFromFields(text("Value:"), text("Name:"), text("Container:"), text("Container value:"))
		mode, err := t.app.manager.Apply(criteria)
		if err != nil {
			t.app.setStatus("Filter: " + err.Error())
			return
		}
		t.app.closeModal(pageName)
		t.Reload()
		t.app.setStatus("Filter mode: " + mode.String())
	})
	form.AddButton("Reset", func() {
		t.app.manager.ResetFilter()
		t.app.closeModal(pageName)
		t.Reload()
		t.app.setStatus("Filter reset")
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })

	t.app.showFormModal(pageName, form, 56, 13, func() { t.app.closeModal(pageName) })
}

func (t *BrowserTab) showWriteDialog(node *tview.TreeNode) {
	view, ok := node.GetReference().(session.NodeView)
	if !ok || !view.IsLeaf() {
		return
	}

	const pageName = "write-dialog"
	form := tview.NewForm()
	ApplyFormTheme(form)
	form.SetBorder(true).SetTitle(fmt.Sprintf(" Write: %s ", view.Path))

	form.AddInputField("Current:", formatValue(view.Value), 30, nil, nil)
	form.GetFormItemByLabel("Current:").(*tview.InputField).SetDisabled(true)
	form.AddInputField("New value:", "", 30, nil, nil)

	form.AddButton("Write", func() {
		literal := strings.TrimSpace(form.GetFormItemByLabel("New value:").(*tview.InputField).GetText())
		if literal == "" {
			return
		}
		t.app.closeModal(pageName)
		t.app.setStatus(fmt.Sprintf("Writing %s to %s...", literal, view.Path))

		path := view.Path
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			updated, err := t.app.manager.Write(ctx, path, literal)
			t.app.QueueUpdateDraw(func() {
				if err != nil {
					DebugLogError("write %s: %v", path, err)
					t.app.setStatus(fmt.Sprintf("Write failed: %v", err))
					return
				}
				t.Reload()
				t.app.setStatus(fmt.Sprintf("Wrote %s = %s", path, formatValue(updated.Value)))
			})
		}()
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })

	t.app.showFormModal(pageName, form, 50, 9, func() { t.app.closeModal(pageName) })
}

func (t *BrowserTab) togglePolling() {
	p := t.app.poller
	if p == nil {
		t.app.setStatus("Polling is not available without a PLC")
		return
	}
	if p.Running() {
		p.Stop()
		t.app.setStatus("Polling stopped")
	} else {
		p.Start()
		t.app.setStatus(fmt.Sprintf("Polling every %v", p.Rate()))
	}
	t.updateStatus()
}

func (t *BrowserTab) toggleCapture() {
	m := t.app.manager
	if c := m.StopCapture(); c != nil {
		path := fmt.Sprintf("%s-%s.capture", c.Datablock, time.Now().Format("20060102-150405"))
		if err := snapshot.Save(path, c); err != nil {
			t.app.showError("Save capture failed", err.Error())
			return
		}
		t.app.setStatus(fmt.Sprintf("Saved %d frames to %s", len(c.Frames), path))
		return
	}
	if err := m.StartCapture("tui"); err != nil {
		t.app.setStatus("Capture: " + err.Error())
		return
	}
	t.app.setStatus("Capturing reads; press c again to save")
}

func (t *BrowserTab) updateStatus() {
	th := CurrentTheme
	info, err := t.app.manager.Info()
	if err != nil {
		t.statusBar.SetText(" No datablock open. Select one in the Datablocks tab.")
		return
	}
	status := fmt.Sprintf(" %s%s%s  DB%d  %d bytes  filter: %s", th.TagAccent, info.Name, th.TagReset, info.Number, info.Size, info.FilterMode)
	if !info.LastRead.IsZero() {
		status += "  read " + info.LastRead.Format("15:04:05")
	}
	if p := t.app.poller; p != nil && p.Running() {
		status += "  " + th.TagSuccess + "polling" + th.TagReset
	}
	if info.LastError != "" {
		status += "  " + th.TagError + info.LastError + th.TagReset
	}
	if t.showHidden {
		status += "  (showing hidden)"
	}
	t.statusBar.SetText(status)
}

func (t *BrowserTab) updateButtonBar() {
	th := CurrentTheme
	t.buttonBar.SetText(" " + th.TagHotkey + "/" + th.TagActionText + " find  " +
		th.TagHotkey + "f" + th.TagActionText + "ilter  " +
		th.TagHotkey + "F" + th.TagActionText + " reset  " +
		th.TagHotkey + "h" + th.TagActionText + "idden  " +
		th.TagHotkey + "r" + th.TagActionText + "ead  " +
		th.TagHotkey + "p" + th.TagActionText + "oll  " +
		th.TagHotkey + "W" + th.TagActionText + "rite  " +
		th.TagHotkey + "c" + th.TagActionText + "apture  " +
		th.TagActionText + "│  " +
		th.TagHotkey + "?" + th.TagActionText + " help " + th.TagReset)
}

// GetPrimitive returns the main primitive for this tab.
func (t *BrowserTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *BrowserTab) GetFocusable() tview.Primitive {
	return t.tree
}

// RefreshTheme updates theme-dependent UI elements.
func (t *BrowserTab) RefreshTheme() {
	th := CurrentTheme
	t.updateButtonBar()
	ApplyInputFieldTheme(t.find)
	t.treeFrame.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.details.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.details.SetTextColor(th.Text)
	t.statusBar.SetTextColor(th.Text)
	t.Reload()
}

// nodeText is the label of a tree node.
func nodeText(v session.NodeView, changed bool) string {
	var sb strings.Builder
	if !v.Visible {
		sb.WriteString(TreeHidden)
	}
	if changed {
		sb.WriteString(TreeChanged)
	}
	sb.WriteString(v.Name)
	if v.Kind == session.KindDatablock {
		return sb.String()
	}
	sb.WriteString(" : ")
	sb.WriteString(v.Type)
	if v.IsLeaf() {
		sb.WriteString(" = ")
		sb.WriteString(formatValue(v.Value))
	}
	return sb.String()
}

// detailsText renders the details panel for a node.
func detailsText(v session.NodeView) string {
	th := CurrentTheme
	var sb strings.Builder
	sb.WriteString(th.Label("Name", v.Name) + "\n")
	if v.Path != "" {
		sb.WriteString(th.Label("Path", v.Path) + "\n")
	}
	sb.WriteString(th.Label("Type", v.Type) + "\n")
	sb.WriteString(th.Label("Kind", v.Kind) + "\n")
	if v.Offset != "" {
		sb.WriteString(th.Label("Offset", v.Offset) + "\n")
	}
	if v.Address != "" {
		sb.WriteString(th.Label("Address", v.Address) + "\n")
	}
	if v.IsLeaf() {
		sb.WriteString(th.Label("Value", formatValue(v.Value)) + "\n")
	}
	visible := "yes"
	if !v.Visible {
		visible = "no"
	}
	sb.WriteString(th.Label("Visible", visible) + "\n")
	if n := len(v.Children); n > 0 {
		sb.WriteString(th.Label("Children", n) + "\n")
	}
	return sb.String()
}

// formatValue renders a field value the way it is typed in a write dialog.
func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}

// criteriaFromFields builds filter criteria from dialog fields. An empty
// field is left out.
func criteriaFromFields(value, name, container, containerValue string) schema.Criteria {
	opt := func(s string) *string {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		return &s
	}
	return schema.Criteria{
		Value:          opt(value),
		Name:           opt(name),
		Container:      opt(container),
		ContainerValue: opt(containerValue),
	}
}

// ancestors returns the paths of the containers above path, outermost
// first: "A[2].B" gives "A" and "A[2]".
func ancestors(path string) []string {
	var out []string
	for i := 1; i < len(path); i++ {
		if path[i] == '.' || path[i] == '[' {
			out = append(out, path[:i])
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
