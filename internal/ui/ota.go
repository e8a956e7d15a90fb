package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/rbfhub/internal/engine"
)

// Hub upgrade steps.
const (
	hubStepBootloader = iota
	hubStepStart
	hubStepTransfer
	hubStepVerify
)

// Sub-device upgrade steps.
const (
	subdevStepStart = iota
	subdevStepTransfer
	subdevStepResults
)

type eventMsg engine.Event

type eventsClosedMsg struct{}

// waitForEvent turns the next event on ch into a message.
func waitForEvent(ch <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// OTAModel follows one firmware upgrade from the engine's OTA events until
// it completes or fails.
type OTAModel struct {
	subdev   bool
	events   <-chan engine.Event
	progress *Progress

	done      bool
	aborted   bool
	err       error
	succeeded []uint8
	failures  []engine.SubdevFailure
}

// NewHubOTAModel tracks a hub upgrade. events must carry EventHubOTA.
func NewHubOTAModel(events <-chan engine.Event) *OTAModel {
	p := NewProgress("Upgrading hub firmware...",
		"Enter bootloader", "Start upgrade", "Transfer image", "Hub verifies image")
	p.SetStep(hubStepBootloader, StepRunning, "")
	return &OTAModel{events: events, progress: p}
}

// NewSubdevOTAModel tracks a sub-device batch. events must carry EventSubdevOTA.
func NewSubdevOTAModel(events <-chan engine.Event, devices int) *OTAModel {
	p := NewProgress("Upgrading sub-device firmware...",
		"Start batch", "Transfer image", "Collect device results")
	p.SetStep(subdevStepStart, StepRunning, fmt.Sprintf("%d devices", devices))
	return &OTAModel{subdev: true, events: events, progress: p}
}

// Init implements tea.Model
func (m *OTAModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// Update implements tea.Model
func (m *OTAModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.aborted = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.progress.SetWidth(clampWidth(msg.Width))
	case eventsClosedMsg:
		if !m.done {
			m.err = fmt.Errorf("event stream closed before the upgrade finished")
			m.done = true
		}
		return m, tea.Quit
	case eventMsg:
		m.Apply(engine.Event(msg))
		if m.done {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

// Apply advances the display for one event. Events of the other OTA
// flavour and non-OTA events are ignored.
func (m *OTAModel) Apply(ev engine.Event) {
	if m.subdev && ev.SubdevOTA != nil {
		m.applySubdev(ev.SubdevOTA)
	}
	if !m.subdev && ev.HubOTA != nil {
		m.applyHub(ev.HubOTA)
	}
}

func (m *OTAModel) applyHub(ev *engine.HubOTAEvent) {
	p := m.progress
	switch ev.Phase {
	case engine.HubOTAEnterBootloaderSuccess:
		p.SetStep(hubStepBootloader, StepComplete, "")
		p.SetStep(hubStepStart, StepRunning, "")
	case engine.HubOTAStartSuccess:
		p.SetStep(hubStepStart, StepComplete, "")
		p.SetStep(hubStepTransfer, StepRunning, "")
	case engine.HubOTAProgress:
		p.SetPercent(ev.Status.Percent)
		p.SetStep(hubStepTransfer, StepRunning, fmt.Sprintf("%d of %d bytes", ev.Status.Offset, ev.Status.Size))
		if ev.Status.Percent >= 100 {
			p.SetStep(hubStepTransfer, StepComplete, "")
			p.SetStep(hubStepVerify, StepRunning, "")
		}
	case engine.HubOTAUpgradeComplete:
		p.SetPercent(100)
		for i := range p.Steps {
			p.SetStep(i, StepComplete, "")
		}
		m.done = true
	case engine.HubOTAEnterBootloaderFail, engine.HubOTAStartFail, engine.HubOTAUpgradeFail:
		m.fail(ev.Err)
	}
}

func (m *OTAModel) applySubdev(ev *engine.SubdevOTAEvent) {
	p := m.progress
	switch ev.Phase {
	case engine.SubdevOTAStarted:
		p.SetStep(subdevStepStart, StepComplete, p.Steps[subdevStepStart].Message)
		p.SetStep(subdevStepTransfer, StepRunning, "")
	case engine.SubdevOTAProgress:
		p.SetPercent(ev.Percent)
		if ev.Percent >= 100 {
			p.SetStep(subdevStepTransfer, StepComplete, "")
			p.SetStep(subdevStepResults, StepRunning, "")
		}
	case engine.SubdevOTAComplete:
		m.succeeded = ev.Succeeded
		p.SetPercent(100)
		p.SetStep(subdevStepTransfer, StepComplete, "")
		p.SetStep(subdevStepResults, StepComplete, fmt.Sprintf("%d upgraded", len(ev.Succeeded)))
		m.done = true
	case engine.SubdevOTAFail, engine.SubdevOTARequestTimeout:
		m.succeeded, m.failures = ev.Succeeded, ev.Failures
		m.fail(ev.Err)
		p.SetStep(subdevStepResults, StepFailed, fmt.Sprintf("%d upgraded, %d failed", len(ev.Succeeded), len(ev.Failures)))
	case engine.SubdevOTAStartFail:
		m.fail(ev.Err)
	}
}

func (m *OTAModel) fail(err error) {
	if i := m.progress.Running(); i >= 0 {
		m.progress.SetStep(i, StepFailed, "")
	}
	if err == nil {
		err = fmt.Errorf("upgrade failed")
	}
	m.err = err
	m.done = true
}

// View implements tea.Model
func (m *OTAModel) View() string {
	var b strings.Builder
	b.WriteString(m.progress.Render())
	b.WriteString("\n\n")
	if !m.done {
		b.WriteString(HelpStyle.Render("q: abort upgrade"))
		b.WriteString("\n")
	}
	return b.String()
}

// Done reports whether a terminal event was seen.
func (m *OTAModel) Done() bool { return m.done }

// Aborted reports whether the user quit before the upgrade finished.
func (m *OTAModel) Aborted() bool { return m.aborted }

// Err returns the failure, if any.
func (m *OTAModel) Err() error { return m.err }

// Succeeded returns the sub-devices reported upgraded.
func (m *OTAModel) Succeeded() []uint8 { return m.succeeded }

// Failures returns the sub-devices reported failed.
func (m *OTAModel) Failures() []engine.SubdevFailure { return m.failures }
