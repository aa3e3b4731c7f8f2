package nfc

import "fmt"

// WriteResult is the outcome of a write request.
type WriteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ReadResult is the outcome of a read request.
type ReadResult struct {
	Success bool       `json:"success"`
	Data    *TagRecord `json:"data,omitempty"`
	Message string     `json:"message,omitempty"`
}

// AutoPollingResult reports the poller state after a toggle.
type AutoPollingResult struct {
	Enabled bool `json:"enabled"`
}

// Controller is the request/response surface offered to the host shell.
// Every call returns a result value; errors and panics never escape it.
type Controller struct {
	conn    *ConnectionManager
	service *TagService
	poller  *Poller
	guard   *Guard
}

// NewEngine wires the full tag engine on top of conn: auth engine, guard,
// tag service and presence poller.
func NewEngine(conn *ConnectionManager, m *Metrics, opts ...PollerOption) *Controller {
	if m == nil {
		m = DefaultMetrics()
	}
	guard := NewGuard(m)
	auth := NewAuthenticator(conn, nil, m)
	service := NewTagService(conn, auth, guard, m)
	opts = append([]PollerOption{WithPollerMetrics(m)}, opts...)
	poller := NewPoller(service, service, opts...)
	return &Controller{conn: conn, service: service, poller: poller, guard: guard}
}

// Guard returns the transaction guard shared by manual and automatic reads.
func (c *Controller) Guard() *Guard {
	return c.guard
}

// Write encodes and writes a tag record. Missing or non-numeric material
// and color codes become 0, a missing manufacturer becomes 1.
func (c *Controller) Write(material, color, manufacturer any) (res WriteResult) {
	defer func() {
		if r := recover(); r != nil {
			res = WriteResult{Message: fmt.Sprint(r)}
		}
	}()

	if err := c.service.WriteTag(EncodeValues(material, color, manufacturer)); err != nil {
		logger.Warningf("write failed: %v", err)
		return WriteResult{Message: err.Error()}
	}
	return WriteResult{Success: true}
}

// Read reads and decodes the tag block.
func (c *Controller) Read() (res ReadResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ReadResult{Message: fmt.Sprint(r)}
		}
	}()

	rec, err := c.service.ReadTag()
	if err != nil {
		logger.Warningf("read failed: %v", err)
		return ReadResult{Message: err.Error()}
	}
	return ReadResult{Success: true, Data: &rec}
}

// Status returns the reader connection snapshot.
func (c *Controller) Status() ReaderStatus {
	return c.conn.Status()
}

// SetAutoPolling starts or stops the presence poller.
func (c *Controller) SetAutoPolling(enable bool) AutoPollingResult {
	if enable {
		c.poller.Enable()
	} else {
		c.poller.Disable()
	}
	return AutoPollingResult{Enabled: c.poller.Enabled()}
}

// AutoPolling reports whether the presence poller is running.
func (c *Controller) AutoPolling() bool {
	return c.poller.Enabled()
}

// Subscribe registers a listener for presence events.
func (c *Controller) Subscribe(fn func(PresenceEvent)) {
	c.poller.AddEmitter(fn)
}

// OnStatusChange registers a listener for reader connection changes.
func (c *Controller) OnStatusChange(fn func(ReaderStatus)) {
	c.conn.OnChange(fn)
}

// Close stops the poller if it is running.
func (c *Controller) Close() {
	if c.poller.Enabled() {
		c.poller.Disable()
	}
}
