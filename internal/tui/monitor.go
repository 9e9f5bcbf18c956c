// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/calypsonet/legacyhsm/internal/i18n"
	"github.com/calypsonet/legacyhsm/internal/model"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

// GroupStatus summarizes one reader group.
type GroupStatus struct {
	Reference string
	Modules   int
	Open      int
}

// Snapshot is everything the monitor shows at one refresh.
type Snapshot struct {
	Groups      []GroupStatus
	Allocations []model.Allocation
	Audit       []model.AuditLogEntry
	At          time.Time
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Snapshot, error)

func (f SourceFunc) Snapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }

const (
	tabGroups = iota
	tabAllocations
	tabAudit
	tabCount
)

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

type monitorModel struct {
	ctx      context.Context
	src      Source
	interval time.Duration

	tabs     [tabCount]table.Model
	active   int
	snap     Snapshot
	err      error
	openOnly bool

	filter      string
	isFiltering bool
	width       int
}

func newMonitorModel(ctx context.Context, src Source, interval time.Duration) monitorModel {
	m := monitorModel{ctx: ctx, src: src, interval: interval}
	m.tabs[tabGroups] = newTable([]table.Column{
		{Title: i18n.T("monitor.header.group"), Width: 10},
		{Title: i18n.T("monitor.header.modules"), Width: 10},
		{Title: i18n.T("monitor.header.open"), Width: 10},
	})
	m.tabs[tabAllocations] = newTable([]table.Column{
		{Title: i18n.T("monitor.header.allocated_at"), Width: 20},
		{Title: i18n.T("monitor.header.reader"), Width: 34},
		{Title: i18n.T("monitor.header.group"), Width: 8},
		{Title: i18n.T("monitor.header.profile"), Width: 14},
		{Title: i18n.T("monitor.header.exchanges"), Width: 10},
		{Title: i18n.T("monitor.header.status"), Width: 10},
	})
	m.tabs[tabAudit] = newTable([]table.Column{
		{Title: i18n.T("monitor.header.timestamp"), Width: 20},
		{Title: i18n.T("monitor.header.user"), Width: 12},
		{Title: i18n.T("monitor.header.action"), Width: 20},
		{Title: i18n.T("monitor.header.details"), Width: 60},
	})
	m.focus()
	return m
}

func newTable(columns []table.Column) table.Model {
	t := table.New(table.WithColumns(columns), table.WithHeight(15))
	t.SetStyles(tableStyles())
	return t
}

func (m *monitorModel) focus() {
	for i := range m.tabs {
		if i == m.active {
			m.tabs[i].Focus()
		} else {
			m.tabs[i].Blur()
		}
	}
}

func (m monitorModel) refresh() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.src.Snapshot(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m monitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

// rebuildRows fills every table from the current snapshot and filter.
func (m *monitorModel) rebuildRows() {
	lower := strings.ToLower(m.filter)
	match := func(cells ...string) bool {
		if lower == "" {
			return true
		}
		for _, c := range cells {
			if strings.Contains(strings.ToLower(c), lower) {
				return true
			}
		}
		return false
	}

	var groups []table.Row
	for _, g := range m.snap.Groups {
		if match(g.Reference) {
			groups = append(groups, table.Row{g.Reference, strconv.Itoa(g.Modules), strconv.Itoa(g.Open)})
		}
	}
	m.tabs[tabGroups].SetRows(groups)

	var allocs []table.Row
	for _, a := range m.snap.Allocations {
		if m.openOnly && !a.Open() {
			continue
		}
		if !match(a.ReaderName, a.GroupRef, a.Profile) {
			continue
		}
		status := successStyle.Render(i18n.T("monitor.status.open"))
		if !a.Open() {
			status = helpStyle.Render(i18n.T("monitor.status.released"))
		}
		allocs = append(allocs, table.Row{
			a.AllocatedAt.Local().Format("2006-01-02 15:04:05"),
			a.ReaderName, a.GroupRef, a.Profile, strconv.Itoa(a.Exchanges), status,
		})
	}
	m.tabs[tabAllocations].SetRows(allocs)

	var audit []table.Row
	for _, e := range m.snap.Audit {
		if !match(e.Username, e.Action, e.Details) {
			continue
		}
		action := e.Action
		switch {
		case strings.HasPrefix(e.Action, "ALLOCATE"):
			action = successStyle.Render(e.Action)
		case strings.HasPrefix(e.Action, "REMOVE"), strings.HasPrefix(e.Action, "RESTORE"):
			action = specialStyle.Render(e.Action)
		case strings.HasPrefix(e.Action, "RELEASE"):
			action = helpStyle.Render(e.Action)
		}
		audit = append(audit, table.Row{e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Username, action, e.Details})
	}
	m.tabs[tabAudit].SetRows(audit)

	if m.isFiltering {
		m.tabs[m.active].GotoTop()
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		for i := range m.tabs {
			// title(1) + tabs(2) + footer(2) + margins(2)
			m.tabs[i].SetHeight(msg.Height - 9)
			m.tabs[i].SetWidth(msg.Width - 4)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.rebuildRows()
		}
		return m, nil

	case tea.KeyMsg:
		if m.isFiltering {
			switch msg.Type {
			case tea.KeyEsc:
				m.isFiltering = false
				m.filter = ""
			case tea.KeyEnter:
				m.isFiltering = false
			case tea.KeyBackspace:
				if len(m.filter) > 0 {
					m.filter = m.filter[:len(m.filter)-1]
				}
			case tea.KeyRunes, tea.KeySpace:
				m.filter += string(msg.Runes)
			}
			m.rebuildRows()
			return m, nil
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.filter != "" {
				m.filter = ""
				m.rebuildRows()
				return m, nil
			}
			return m, tea.Quit
		case "tab", "right":
			m.active = (m.active + 1) % tabCount
			m.focus()
			return m, nil
		case "shift+tab", "left":
			m.active = (m.active + tabCount - 1) % tabCount
			m.focus()
			return m, nil
		case "o":
			m.openOnly = !m.openOnly
			m.rebuildRows()
			return m, nil
		case "r":
			return m, m.refresh()
		case "/":
			m.isFiltering = true
			m.filter = ""
			m.rebuildRows()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.tabs[m.active], cmd = m.tabs[m.active].Update(msg)
	return m, cmd
}

func (m monitorModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(i18n.T("monitor.title")) + "\n\n")

	names := [tabCount]string{i18n.T("monitor.tab.groups"), i18n.T("monitor.tab.allocations"), i18n.T("monitor.tab.audit")}
	var tabs []string
	for i, n := range names {
		if i == m.active {
			tabs = append(tabs, activeTabStyle.Render(n))
		} else {
			tabs = append(tabs, tabStyle.Render(n))
		}
	}
	b.WriteString(strings.Join(tabs, " ") + "\n\n")
	b.WriteString(m.tabs[m.active].View() + "\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s: %v", i18n.T("monitor.error_refresh"), m.err)) + "\n")
	}

	var left string
	switch {
	case m.isFiltering:
		left = i18n.T("monitor.filtering", m.filter)
	case m.filter != "":
		left = i18n.T("monitor.filter_active", m.filter)
	default:
		left = helpStyle.Render(i18n.T("monitor.help"))
	}
	right := ""
	if !m.snap.At.IsZero() {
		right = statusMessageStyle.Render(i18n.T("monitor.updated", m.snap.At.Local().Format("15:04:05")))
	}
	b.WriteString(AlignFooter(left, right, m.width-4))
	return docStyle.Render(b.String())
}

// RunMonitor shows the monitor until the user quits or ctx ends. The source
// is polled every interval.
func RunMonitor(ctx context.Context, src Source, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := tea.NewProgram(newMonitorModel(ctx, src, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
