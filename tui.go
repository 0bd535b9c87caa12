package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor    = lipgloss.Color("#7C3AED")
	accentColor     = lipgloss.Color("#10B981")
	mutedColor      = lipgloss.Color("#6B7280")
	backgroundColor = lipgloss.Color("#1F2937")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	sidePanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	messagePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(mutedColor).
				Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Background(backgroundColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	systemMessageStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Italic(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	peerMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#3B82F6"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Faint(true)

	peerDotStyle = lipgloss.NewStyle().
			Foreground(accentColor)
)

const sidePanelWidth = 34

type displayLine struct {
	Sender    string
	Text      string
	Timestamp time.Time
	IsSystem  bool
}

// TUIDisplay queues display lines for the bubbletea model.
type TUIDisplay struct {
	lines chan displayLine
}

func NewTUIDisplay() *TUIDisplay {
	return &TUIDisplay{lines: make(chan displayLine, 256)}
}

func (d *TUIDisplay) Chat(sender, body string) {
	d.push(displayLine{Sender: sender, Text: body, Timestamp: time.Now()})
}

func (d *TUIDisplay) System(text string) {
	d.push(displayLine{Text: text, Timestamp: time.Now(), IsSystem: true})
}

// push drops the line if the UI is not keeping up; the network side must
// never wait on rendering.
func (d *TUIDisplay) push(l displayLine) {
	select {
	case d.lines <- l:
	default:
	}
}

type tickMsg time.Time

type lineMsg displayLine

// UI is the bubbletea model: chat on the left, peers and mirrored files on
// the right, input at the bottom.
type UI struct {
	ctx      context.Context
	node     *Node
	display  *TUIDisplay
	lines    []displayLine
	peers    []string
	files    []string
	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int
	showHelp bool
	updated  time.Time
}

func NewUI(ctx context.Context, node *Node, display *TUIDisplay) *UI {
	ta := textarea.New()
	ta.Placeholder = "Type a message, connect <host:port>, or /help..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	return &UI{
		ctx:      ctx,
		node:     node,
		display:  display,
		viewport: vp,
		textarea: ta,
		updated:  time.Now(),
	}
}

func (ui *UI) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, ui.waitForLine(), ui.tick())
}

func (ui *UI) waitForLine() tea.Cmd {
	return func() tea.Msg {
		select {
		case l := <-ui.display.lines:
			return lineMsg(l)
		case <-ui.ctx.Done():
			return tea.Quit()
		}
	}
}

func (ui *UI) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (ui *UI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var tiCmd, vpCmd tea.Cmd
	ui.textarea, tiCmd = ui.textarea.Update(msg)
	ui.viewport, vpCmd = ui.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return ui, tea.Quit
		case tea.KeyCtrlH:
			ui.showHelp = !ui.showHelp
			ui.refresh()
			return ui, nil
		case tea.KeyEnter:
			input := strings.TrimSpace(ui.textarea.Value())
			ui.textarea.Reset()
			if input != "" {
				ui.node.HandleInput(ui.ctx, input)
			}
			return ui, nil
		}

	case tea.WindowSizeMsg:
		ui.width, ui.height = msg.Width, msg.Height
		ui.ready = true
		ui.viewport.Width = ui.width - sidePanelWidth - 6
		ui.viewport.Height = ui.height - 3 - 5 - 1
		ui.textarea.SetWidth(ui.width - 4)
		ui.refresh()

	case lineMsg:
		ui.lines = append(ui.lines, displayLine(msg))
		ui.refresh()
		ui.viewport.GotoBottom()
		return ui, ui.waitForLine()

	case tickMsg:
		ui.peers = ui.node.registry.Identities()
		if files, err := ui.node.mirror.List(); err == nil {
			ui.files = files
		}
		ui.updated = time.Time(msg)
		return ui, ui.tick()
	}

	return ui, tea.Batch(tiCmd, vpCmd)
}

func (ui *UI) refresh() {
	if ui.showHelp {
		ui.viewport.SetContent(helpText + "\n\nCtrl+H closes this help, Ctrl+C or Esc quits.")
		return
	}
	var b strings.Builder
	for _, l := range ui.lines {
		b.WriteString(ui.renderLine(l))
		b.WriteString("\n")
	}
	ui.viewport.SetContent(b.String())
}

func (ui *UI) renderLine(l displayLine) string {
	ts := timestampStyle.Render(l.Timestamp.Format("15:04:05"))
	if l.IsSystem {
		return fmt.Sprintf("%s %s", ts, systemMessageStyle.Render(l.Text))
	}

	style, name := peerMessageStyle, l.Sender
	if l.Sender == ui.node.id {
		style, name = ownMessageStyle, "You"
	}
	return fmt.Sprintf("%s %s %s", ts, style.Render("["+shortID(name)+"]"), l.Text)
}

func (ui *UI) View() string {
	if !ui.ready {
		return "\n  Starting meshmirror...\n"
	}

	header := headerStyle.Render(fmt.Sprintf("meshmirror  %s  %s", shortID(ui.node.id), ui.node.Addr()))

	messages := messagePanelStyle.
		Width(ui.width - sidePanelWidth - 4).
		Height(ui.viewport.Height + 2).
		Render("Messages\n" + ui.viewport.View())

	body := lipgloss.JoinHorizontal(lipgloss.Top, messages, ui.renderSidePanel())

	input := inputStyle.Width(ui.width - 4).Render("Input (Ctrl+H for help)\n" + ui.textarea.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, body, ui.renderStatusBar(), input)
}

func (ui *UI) renderSidePanel() string {
	var b strings.Builder
	b.WriteString("Peers\n")
	b.WriteString(strings.Repeat("─", sidePanelWidth-4) + "\n")
	if len(ui.peers) == 0 {
		b.WriteString("  none, use connect <addr>\n")
	}
	for _, id := range ui.peers {
		b.WriteString(fmt.Sprintf("  %s %s\n", peerDotStyle.Render("●"), shortID(id)))
	}

	b.WriteString("\nFiles\n")
	b.WriteString(strings.Repeat("─", sidePanelWidth-4) + "\n")
	limit := ui.viewport.Height - len(ui.peers) - 6
	for i, name := range ui.files {
		if limit > 0 && i >= limit {
			b.WriteString(fmt.Sprintf("  ... and %d more\n", len(ui.files)-i))
			break
		}
		b.WriteString("  " + name + "\n")
	}

	return sidePanelStyle.Width(sidePanelWidth).Height(ui.viewport.Height + 2).Render(b.String())
}

func (ui *UI) renderStatusBar() string {
	left := fmt.Sprintf("Dir: %s", ui.node.mirror.Dir())
	right := fmt.Sprintf("Peers: %d | Files: %d | %s", len(ui.peers), len(ui.files), ui.updated.Format("15:04:05"))

	spacing := ui.width - 4 - lipgloss.Width(left) - lipgloss.Width(right)
	if spacing < 0 {
		spacing = 0
	}
	return statusBarStyle.Width(ui.width - 4).Render(left + strings.Repeat(" ", spacing) + right)
}

// shortID trims an identity for narrow panels.
func shortID(id string) string {
	if len(id) > 14 {
		return id[:14] + "…"
	}
	return id
}
