// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	level     eventLevel
}

type eventLevel int

const (
	eventInfo eventLevel = iota
	eventWarning
	eventError
)

// Monitor model. Everything here is only touched from Update and View,
// which bubbletea runs on one goroutine.
type monitorModel struct {
	connection    string
	interval      time.Duration
	started       time.Time
	stats         *meter.Statistics
	state         meter.PollState
	stateFn       func() meter.PollState
	trigger       func() error
	lastReading   *mbus.Reading
	lastAnomalies []mbus.ValidationError
	eventLog      []eventLogEntry
	maxLogEntries int
	spinner       spinner.Model
	width         int
	height        int
	quitting      bool
	now           func() time.Time
}

// Messages
type monitorTickMsg time.Time
type pollResultMsg struct {
	result meter.PollResult
}
type triggerResultMsg struct {
	err error
}

// formatElapsed formats a duration as a human-friendly string
func formatElapsed(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	units := []struct {
		name string
		size int64
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}

	parts := []string{}
	for _, u := range units {
		n := seconds / u.size
		seconds %= u.size
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialMonitorModel(connection string, interval time.Duration, r immediateReader) monitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	return monitorModel{
		connection:    connection,
		interval:      interval,
		started:       time.Now(),
		stats:         meter.NewStatistics(),
		stateFn:       r.State,
		trigger:       r.RequestImmediateRead,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		spinner:       s,
		width:         80,
		height:        24,
		now:           time.Now,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			trigger := m.trigger
			return m, func() tea.Msg {
				return triggerResultMsg{err: trigger()}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTickMsg:
		m.state = m.stateFn()
		m.stats.CalculateRates()
		return m, monitorTickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case triggerResultMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Read request rejected: %v", msg.err), eventWarning)
		} else {
			m.addLogEntry("Immediate read queued", eventInfo)
		}

	case pollResultMsg:
		m.observe(msg.result)
	}

	return m, nil
}

// observe folds one poll result into the model
func (m *monitorModel) observe(res meter.PollResult) {
	m.stats.ObservePoll(res)

	if res.Outcome == meter.OutcomeBusy {
		m.addLogEntry(fmt.Sprintf("%s read rejected: busy", res.Source), eventWarning)
		return
	}
	m.state = res.State

	if res.Err != nil {
		m.addLogEntry(fmt.Sprintf("%s poll failed (%s): %v", res.Source, res.Outcome, res.Err), eventError)
		return
	}

	m.lastReading = res.Reading
	m.lastAnomalies = res.Anomalies
	m.addLogEntry(fmt.Sprintf("%s poll ok: %d values in %s",
		res.Source, res.Reading.Len(), res.Duration.Round(time.Millisecond)), eventInfo)
	for _, a := range res.Anomalies {
		m.addLogEntry(a.Message, eventWarning)
	}
}

func (m *monitorModel) addLogEntry(message string, level eventLevel) {
	entry := eventLogEntry{
		timestamp: m.now(),
		message:   message,
		level:     level,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("ECHOSTAT - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Interval: %s | Running: %s | 'r' read now, 'q' quit",
		m.connection, m.interval, formatElapsed(m.now().Sub(m.started)))))
	s.WriteString("\n\n")

	// Poll phase
	if m.state.Phase != meter.PhaseIdle {
		s.WriteString(m.spinner.View())
		s.WriteString(warningStyle.Render(" " + m.state.Phase.String()))
	} else if m.state.ConsecutiveFailures > 0 {
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ %d consecutive failures", m.state.ConsecutiveFailures)))
	} else if !m.state.LastSuccess.IsZero() {
		s.WriteString(valueStyle.Render("✓ IDLE"))
		s.WriteString(headerStyle.Render(fmt.Sprintf(" (last reading %s ago)",
			formatElapsed(m.now().Sub(m.state.LastSuccess)))))
	} else {
		s.WriteString(warningStyle.Render("⏳ Waiting for first reading..."))
	}
	s.WriteString("\n\n")

	// Statistics
	errors := m.stats.Errors()
	var validPercent, errorPercent float64
	if m.stats.TotalPolls > 0 {
		validPercent = float64(m.stats.ValidPolls) * 100.0 / float64(m.stats.TotalPolls)
		errorPercent = float64(errors) * 100.0 / float64(m.stats.TotalPolls)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Polls:"), valueStyle.Render(fmt.Sprintf("%d", m.stats.TotalPolls)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidPolls, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", errors, errorPercent)),
	))

	if errors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %d  %s %d  %s %d  %s %d  %s %d\n",
			headerStyle.Render("timeout"), m.stats.Timeouts,
			headerStyle.Render("framing"), m.stats.FramingErrors,
			headerStyle.Render("checksum"), m.stats.ChecksumErrors,
			headerStyle.Render("field"), m.stats.FieldErrors,
			headerStyle.Render("transport"), m.stats.TransportErrs,
		))
	}

	if m.stats.Anomalies > 0 || m.stats.Busy > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("Anomalies:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.Anomalies)),
			labelStyle.Render("Busy:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.Busy)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Poll Rate:"), valueStyle.Render(fmt.Sprintf("%.1f polls/min", m.stats.PollRate)),
		labelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/min", m.stats.ErrorRate))
			}
			return valueStyle.Render(fmt.Sprintf("%.1f err/min", m.stats.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Latest reading (only shown once one arrived)
	if r := m.lastReading; r != nil {
		s.WriteString(labelStyle.Render("Latest Reading:"))
		s.WriteString("\n")

		readingContent := strings.Builder{}
		readingContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("ID:"), valueStyle.Render(fmt.Sprintf("%08d", r.Header.ID)),
			labelStyle.Render("Medium:"), valueStyle.Render(mbus.FormatMedium(r.Header.Medium)),
			labelStyle.Render("Status:"), func() string {
				if r.Header.Status != 0 {
					return errorStyle.Render(mbus.FormatStatus(r.Header.Status))
				}
				return valueStyle.Render(mbus.FormatStatus(r.Header.Status))
			}(),
		))

		flagged := map[mbus.MeasurementKind]bool{}
		for _, a := range m.lastAnomalies {
			flagged[a.Kind] = true
		}

		for _, kind := range r.Present() {
			v, _ := r.Get(kind)
			style := valueStyle
			if flagged[kind] {
				style = warningStyle
			}
			readingContent.WriteString(fmt.Sprintf("%s %s\n",
				labelStyle.Render(fmt.Sprintf("%-12s", kind.String()+":")),
				style.Render(mbus.FormatValue(kind, v, -1)),
			))
		}
		readingContent.WriteString(headerStyle.Render("at " + r.Timestamp.Format("15:04:05")))

		s.WriteString(boxStyle.Render(readingContent.String()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 24 // Reserve space for header, stats and reading
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := headerStyle.Render(entry.timestamp.Format("01/02/06 15:04:05.000"))
			switch entry.level {
			case eventError:
				logContent.WriteString(timestamp + " " + errorStyle.Render("✗ "+entry.message) + "\n")
			case eventWarning:
				logContent.WriteString(timestamp + " " + warningStyle.Render("⚠ "+entry.message) + "\n")
			default:
				logContent.WriteString(timestamp + " " + valueStyle.Render("ℹ "+entry.message) + "\n")
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
