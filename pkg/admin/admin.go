// Package admin implements a terminal inspector over a running
// runtime.Manager: one row per (thread, table) pair, refreshed on a
// tick, showing live memtable and segment counts alongside open
// transactions per thread.
package admin

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dowkv/wcstore/pkg/parallel"
	tbl "github.com/dowkv/wcstore/pkg/table"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			MarginLeft(2).
			MarginTop(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2)
)

// ThreadSource is the subset of runtime.Manager the inspector depends
// on, so this package never imports pkg/runtime directly and can be
// exercised against a fake in tests.
type ThreadSource interface {
	Threads() []ThreadView
}

// ThreadView is the live state of one partition runtime thread, as
// runtime.Thread exposes it.
type ThreadView struct {
	Index            int
	OwnedPartitions  int
	Tables           []tbl.Stats
	OpenTransactions int
}

// Thread is the minimal per-thread surface NewFromThreads needs;
// runtime.Thread satisfies it without pkg/admin ever importing
// pkg/runtime.
type Thread interface {
	Index() int
	OwnedPartitions() map[int]bool
	TableStats() []tbl.Stats
	OpenTransactions() int
}

// NewFromThreads adapts a live []Thread (e.g. runtime.Manager.Threads())
// into a ThreadSource the inspector can poll.
func NewFromThreads(threads []Thread) ThreadSource {
	return threadSliceSource(threads)
}

type threadSliceSource []Thread

// Threads snapshots every thread's live state concurrently: each
// thread's TableStats/OpenTransactions call takes its own lock, so
// fanning the poll out over a worker pool keeps one slow thread from
// delaying every other row in the refresh tick.
func (s threadSliceSource) Threads() []ThreadView {
	views := make([]ThreadView, len(s))
	if len(s) == 0 {
		return views
	}

	pool, err := parallel.NewWorkerPool(len(s))
	if err != nil {
		pool, _ = parallel.NewWorkerPool(1)
	}
	for i, th := range s {
		i, th := i, th
		pool.Submit(func() {
			views[i] = ThreadView{
				Index:            th.Index(),
				OwnedPartitions:  len(th.OwnedPartitions()),
				Tables:           th.TableStats(),
				OpenTransactions: th.OpenTransactions(),
			}
		})
	}
	pool.Wait()
	return views
}

type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("up/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("down/j", "down")),
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Up, k.Down, k.Quit} }

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the bubbletea model driving the inspector.
type Model struct {
	source ThreadSource
	rows   table.Model
	help   help.Model
	keys   keyMap
	width  int
}

// New builds an inspector Model over source.
func New(source ThreadSource) Model {
	columns := []table.Column{
		{Title: "Thread", Width: 6},
		{Title: "Partitions", Width: 10},
		{Title: "Table", Width: 20},
		{Title: "Memtable Rows", Width: 14},
		{Title: "Memtable Bytes", Width: 15},
		{Title: "Segments", Width: 9},
		{Title: "Open Txns", Width: 10},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(15))

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#0066FF")).
		Bold(false)
	t.SetStyles(s)

	m := Model{source: source, rows: t, help: help.New(), keys: keys}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m *Model) refresh() {
	var rows []table.Row
	for _, th := range m.source.Threads() {
		if len(th.Tables) == 0 {
			rows = append(rows, table.Row{
				fmt.Sprintf("%d", th.Index),
				fmt.Sprintf("%d", th.OwnedPartitions),
				"-", "-", "-", "-",
				fmt.Sprintf("%d", th.OpenTransactions),
			})
			continue
		}
		for _, st := range th.Tables {
			rows = append(rows, table.Row{
				fmt.Sprintf("%d", th.Index),
				fmt.Sprintf("%d", th.OwnedPartitions),
				st.Table,
				fmt.Sprintf("%d", st.MemtableRows),
				fmt.Sprintf("%d", st.MemtableBytes),
				fmt.Sprintf("%d", st.SegmentCount),
				fmt.Sprintf("%d", th.OpenTransactions),
			})
		}
	}
	m.rows.SetRows(rows)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.rows, cmd = m.rows.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var s string
	s += titleStyle.Render("wcstore partition inspector")
	s += "\n\n"
	s += contentStyle.Render(m.rows.View())
	s += "\n"
	s += helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp()))
	return s
}

// Run starts the bubbletea program over source and blocks until the
// user quits.
func Run(source ThreadSource) error {
	_, err := tea.NewProgram(New(source), tea.WithAltScreen()).Run()
	return err
}
