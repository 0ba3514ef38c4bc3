package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dbscope/config"
	"dbscope/session"
	"dbscope/snapshot"
)

// App is the main TUI application.
type App struct {
	app            *tview.Application
	pages          *tview.Pages
	tabs           *tview.TextView
	statusBar      *tview.TextView
	themeIndicator *tview.TextView

	datablocksTab *DatablocksTab
	browserTab    *BrowserTab
	debugTab      *DebugTab

	manager    *session.Manager
	poller     *session.Poller
	config     *config.Config
	configPath string

	currentTab int
	tabNames   []string

	stopChan chan struct{}
}

// NewApp creates a new TUI application. poller may be nil, in which case
// the browser only reads on request.
func NewApp(cfg *config.Config, configPath string, m *session.Manager, poller *session.Poller) *App {
	if cfg.UI.Theme != "" {
		SetTheme(cfg.UI.Theme)
	}
	a := &App{
		app:        tview.NewApplication(),
		config:     cfg,
		configPath: configPath,
		manager:    m,
		poller:     poller,
		tabNames:   []string{TabDatablocks, TabBrowser, TabDebug},
		stopChan:   make(chan struct{}),
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft).
		SetTextColor(CurrentTheme.Text)

	a.themeIndicator = tview.NewTextView().
		SetTextAlign(tview.AlignRight)
	a.updateThemeIndicator()

	a.pages = tview.NewPages()

	a.debugTab = NewDebugTab(a)
	a.datablocksTab = NewDatablocksTab(a)
	a.browserTab = NewBrowserTab(a)

	a.pages.AddPage(TabDatablocks, a.datablocksTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabBrowser, a.browserTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	bottomBar := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.statusBar, 0, 1, false).
		AddItem(a.themeIndicator, 24, 0, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(bottomBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

func (a *App) isMainTab(page string) bool {
	for _, name := range a.tabNames {
		if page == name {
			return true
		}
	}
	return false
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// modals and forms get every key
	frontPage, _ := a.pages.GetFrontPage()
	if !a.isMainTab(frontPage) {
		return event
	}
	// so do text inputs
	if _, ok := a.app.GetFocus().(*tview.InputField); ok {
		return event
	}

	switch {
	case event.Rune() == 'Q':
		a.Shutdown()
		return nil
	case event.Key() == tcell.KeyBacktab:
		a.nextTab()
		return nil
	case event.Rune() == '?':
		a.showHelp()
		return nil
	case event.Key() == tcell.KeyF6:
		a.config.UI.Theme = NextTheme()
		a.updateTabsDisplay()
		a.updateThemeIndicator()
		a.refreshAllThemes()
		if err := a.SaveConfig(); err != nil {
			DebugLogError("save config: %v", err)
		}
		a.app.Sync()
		return nil
	}
	return event
}

func (a *App) nextTab() {
	a.switchToTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.focusCurrentTab()
}

func (a *App) focusCurrentTab() {
	switch a.tabNames[a.currentTab] {
	case TabDatablocks:
		a.app.SetFocus(a.datablocksTab.GetFocusable())
	case TabBrowser:
		a.app.SetFocus(a.browserTab.GetFocusable())
	case TabDebug:
		a.app.SetFocus(a.debugTab.GetFocusable())
	}
}

func (a *App) updateTabsDisplay() {
	th := CurrentTheme
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += th.TagTextDim + "  │  " + th.TagReset
		}
		if i == a.currentTab {
			colorTag := th.TagAccent[:len(th.TagAccent)-1] + "::b]"
			text += colorTag + name + "[-::-]"
		} else {
			text += th.TagTextDim + name + th.TagReset
		}
	}
	a.tabs.SetText(text)
	a.tabs.SetTextColor(th.Text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) updateThemeIndicator() {
	th := CurrentTheme
	a.themeIndicator.SetText("Theme (F6): " + ThemeName() + " ")
	a.themeIndicator.SetTextColor(th.TextDim)
	a.statusBar.SetTextColor(th.Text)
}

func (a *App) showHelp() {
	const pageName = "help"

	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")
	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})

	a.showCenteredModal(pageName, textView, 45, 36)
}

func (a *App) showError(title, message string) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			a.pages.RemovePage("error")
			a.focusCurrentTab()
		})
	a.pages.AddPage("error", modal, true, true)
}

// SaveConfig saves the configuration when it was loaded from a file.
func (a *App) SaveConfig() error {
	if a.configPath == "" {
		return nil
	}
	return a.config.Save(a.configPath)
}

// Run starts the TUI application and blocks until it stops.
func (a *App) Run() error {
	a.manager.SetOnRefresh(func(s *snapshot.Snapshot) {
		a.app.QueueUpdateDraw(func() {
			a.browserTab.OnSnapshot(s)
		})
	})

	a.datablocksTab.Refresh()
	a.browserTab.Refresh()

	go a.periodicRefresh()

	return a.app.Run()
}

// periodicRefresh updates the status bars and the debug log once a second.
func (a *App) periodicRefresh() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				a.debugTab.Refresh()
				frontPage, _ := a.pages.GetFrontPage()
				if !a.isMainTab(frontPage) {
					return
				}
				a.browserTab.updateStatus()
			})
		}
	}
}

// readNow reads the open datablock in the background.
func (a *App) readNow() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := a.manager.Refresh(ctx); err != nil {
			DebugLogError("read: %v", err)
			a.app.QueueUpdateDraw(func() { a.setStatus("Read failed: " + err.Error()) })
		}
	}()
}

// Shutdown stops polling and the TUI.
func (a *App) Shutdown() {
	select {
	case <-a.stopChan:
	default:
		close(a.stopChan)
	}
	a.manager.SetOnRefresh(nil)
	if a.poller != nil {
		a.poller.Stop()
	}
	a.app.Stop()
}

// QueueUpdateDraw queues a function to run on the UI thread.
func (a *App) QueueUpdateDraw(f func()) {
	a.app.QueueUpdateDraw(f)
}

// showCenteredModal displays content centered on the screen and focuses it.
func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

// showFormModal displays a form in a centered modal dialog. Escape calls
// onEscape.
func (a *App) showFormModal(pageName string, form *tview.Form, width, height int, onEscape func()) {
	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			if onEscape != nil {
				onEscape()
			}
			return nil
		}
		return event
	})
	a.showCenteredModal(pageName, form, width, height)
}

// closeModal removes a modal and restores focus to the current tab.
func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.focusCurrentTab()
}

func (a *App) refreshAllThemes() {
	a.datablocksTab.RefreshTheme()
	a.browserTab.RefreshTheme()
	a.debugTab.RefreshTheme()
}
