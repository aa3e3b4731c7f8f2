package main

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"fyne.io/systray"

	"github.com/nedpals/spooltag-agent/buildinfo"
	"github.com/nedpals/spooltag-agent/nfc"
	"github.com/nedpals/spooltag-agent/tls"
)

// SystrayApp manages the system tray interface for the agent
type SystrayApp struct {
	agent *Agent

	// Menu items
	mStatus   *systray.MenuItem
	mReader   *systray.MenuItem
	mCardUID  *systray.MenuItem
	mLastTag  *systray.MenuItem
	mURL      *systray.MenuItem
	mCopyURL  *systray.MenuItem
	mAutoRead *systray.MenuItem
	mReadTag  *systray.MenuItem
	mStart    *systray.MenuItem
	mStop     *systray.MenuItem
	mQuit     *systray.MenuItem

	tags chan nfc.PresenceEvent
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent) *SystrayApp {
	return &SystrayApp{
		agent: agent,
		tags:  make(chan nfc.PresenceEvent, 8),
	}
}

// Run starts the systray application. It blocks until Quit.
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

// onReady is called when the systray is ready
func (s *SystrayApp) onReady() {
	s.setupUI()
	s.handleStartAgent()
	go s.startStatusUpdater()
	go s.handleMenuEvents()
}

// onExit is called when the systray is exiting
func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

// setupUI initializes all menu items
func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTitle("")
	systray.SetTooltip(buildinfo.DisplayName)

	// Status section
	s.mStatus = systray.AddMenuItem("Starting...", "Agent Status")
	s.mStatus.Disable()
	s.mReader = systray.AddMenuItem("Reader: None", "Connected reader")
	s.mReader.Disable()
	s.mURL = systray.AddMenuItem("Server: Not running", "WebSocket URL")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("Copy Server URL", "Copy the WebSocket URL to clipboard")

	systray.AddSeparator()

	// Tag section
	s.mCardUID = systray.AddMenuItem("Card UID: None", "Current card UID")
	s.mCardUID.Disable()
	s.mLastTag = systray.AddMenuItem("Last Tag: None", "Last decoded spool tag")
	s.mLastTag.Disable()
	s.mReadTag = systray.AddMenuItem("Read Tag", "Read the tag on the reader")
	s.mAutoRead = systray.AddMenuItemCheckbox("Auto Read", "Read tags as they are presented", s.agent.Config.AutoPoll)

	systray.AddSeparator()

	// Agent control section
	s.mStart = systray.AddMenuItem("Start Agent", "Start the agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the agent")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

// startStatusUpdater refreshes the reader and card lines from the engine
// and the last tag line from presence events.
func (s *SystrayApp) startStatusUpdater() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last nfc.ReaderStatus

	for {
		select {
		case ev := <-s.tags:
			if ev.Present {
				s.mLastTag.SetTitle("Last Tag: " + tagSummary(ev))
			}
		case <-ticker.C:
			engine := s.engine()
			if engine == nil {
				continue
			}
			st := engine.Status()
			if st.Connected != last.Connected || st.ReaderName != last.ReaderName {
				s.mReader.SetTitle(readerTitle(st))
			}
			if st.CardPresent != last.CardPresent || nfc.BytesToHex(st.UID) != nfc.BytesToHex(last.UID) {
				s.mCardUID.SetTitle(cardTitle(st))
			}
			last = st
		}
	}
}

// handleMenuEvents processes all menu click events
func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			s.handleStartAgent()
		case <-s.mStop.ClickedCh:
			s.handleStopAgent()
		case <-s.mReadTag.ClickedCh:
			s.handleReadTag()
		case <-s.mAutoRead.ClickedCh:
			s.handleAutoRead()
		case <-s.mCopyURL.ClickedCh:
			if url := s.serverURL(); url != "" {
				if err := copyToClipboard(url); err != nil {
					logger.Warningf("failed to copy to clipboard: %v", err)
				}
			}
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// handleStartAgent starts the agent
func (s *SystrayApp) handleStartAgent() {
	if err := s.agent.Start(); err != nil {
		logger.Errorf("failed to start agent: %v", err)
		s.updateStatus("Failed to Start")
		s.mStart.Enable()
		return
	}

	engine := s.agent.Controller()
	engine.Subscribe(func(ev nfc.PresenceEvent) {
		select {
		case s.tags <- ev:
		default:
		}
	})
	if engine.AutoPolling() {
		s.mAutoRead.Check()
	} else {
		s.mAutoRead.Uncheck()
	}

	s.updateStatus("Running")
	s.mURL.SetTitle("Server: " + s.serverURL())
	s.mStart.Disable()
	s.mStop.Enable()
}

// handleStopAgent stops the agent
func (s *SystrayApp) handleStopAgent() {
	s.agent.Stop()
	s.updateStatus("Stopped")
	s.mURL.SetTitle("Server: Not running")
	s.mReader.SetTitle("Reader: None")
	s.mCardUID.SetTitle("Card UID: None")
	s.mStop.Disable()
	s.mStart.Enable()
}

// handleReadTag runs a manual read and shows the result
func (s *SystrayApp) handleReadTag() {
	engine := s.engine()
	if engine == nil {
		return
	}
	res := engine.Read()
	if !res.Success {
		s.mLastTag.SetTitle("Last Tag: " + res.Message)
		return
	}
	s.mLastTag.SetTitle("Last Tag: " + tagSummary(nfc.PresenceEvent{Present: true, TagData: res.Data}))
}

// handleAutoRead toggles the presence poller
func (s *SystrayApp) handleAutoRead() {
	engine := s.engine()
	if engine == nil {
		return
	}
	if engine.SetAutoPolling(!s.mAutoRead.Checked()).Enabled {
		s.mAutoRead.Check()
	} else {
		s.mAutoRead.Uncheck()
	}
}

func (s *SystrayApp) engine() *nfc.Controller {
	return s.agent.Controller()
}

// updateStatus updates the status menu item and icon
func (s *SystrayApp) updateStatus(status string) {
	s.mStatus.SetTitle(status)

	switch status {
	case "Running":
		systray.SetIcon(iconDataConnected)
	case "Failed to Start":
		systray.SetIcon(iconDataError)
	case "Stopped":
		systray.SetIcon(iconDataStopped)
	default:
		systray.SetIcon(iconData)
	}
}

// serverURL returns the WebSocket URL clients should connect to
func (s *SystrayApp) serverURL() string {
	addr := s.agent.Addr()
	if addr == nil {
		return ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "localhost"
		if ips := tls.LANIPs(); len(ips) > 0 {
			host = ips[0]
		}
	}
	scheme := "ws"
	if s.agent.Config.Server.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, net.JoinHostPort(host, port))
}

func readerTitle(st nfc.ReaderStatus) string {
	if !st.Connected {
		return "Reader: None"
	}
	return "Reader: " + st.ReaderName
}

func cardTitle(st nfc.ReaderStatus) string {
	if !st.CardPresent || len(st.UID) == 0 {
		return "Card UID: None"
	}
	return "Card UID: " + nfc.BytesToHex(st.UID)
}

func tagSummary(ev nfc.PresenceEvent) string {
	switch {
	case ev.Error != nil:
		return *ev.Error
	case ev.TagData == nil:
		return "None"
	}
	return "material " + strconv.Itoa(int(ev.TagData.MaterialCode)) +
		", color " + strconv.Itoa(int(ev.TagData.ColorCode)) +
		", manufacturer " + strconv.Itoa(int(ev.TagData.ManufacturerCode))
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte(text)); err != nil {
		return err
	}
	stdin.Close()
	return cmd.Wait()
}
