package mock

import (
	"context"
	"sync"
	"time"

	"github.com/EventaLabs/wa-gateway/internal/engine"
)

// Engine is a scripted fake for tests. It records connect attempts and
// lets the test fire credential and connection-state events on the
// clients it hands out, without any real network activity.
type Engine struct {
	mu            sync.Mutex
	connectCount  int
	connectDelay  time.Duration
	connectErrors []error
	clients       map[string]*Client
	callbacks     map[string]engine.Callbacks
}

// NewEngine creates an empty mock engine
func NewEngine() *Engine {
	return &Engine{
		clients:   make(map[string]*Client),
		callbacks: make(map[string]engine.Callbacks),
	}
}

// SetConnectDelay makes Connect calls block for d before completing,
// so tests can observe the in-flight window
func (e *Engine) SetConnectDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectDelay = d
}

// QueueConnectError makes the next Connect call fail with err
func (e *Engine) QueueConnectError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErrors = append(e.connectErrors, err)
}

// ConnectCount returns how many times Connect was invoked
func (e *Engine) ConnectCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectCount
}

// Client returns the client handed out for a session name, if any
func (e *Engine) Client(name string) *Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients[name]
}

// FireCredential invokes the OnCredential callback registered for a session
func (e *Engine) FireCredential(name, payload string) {
	e.mu.Lock()
	cb := e.callbacks[name]
	e.mu.Unlock()

	if cb.OnCredential != nil {
		cb.OnCredential(payload)
	}
}

// FireCredentialExpired invokes the OnCredentialExpired callback for a session
func (e *Engine) FireCredentialExpired(name string) {
	e.mu.Lock()
	cb := e.callbacks[name]
	e.mu.Unlock()

	if cb.OnCredentialExpired != nil {
		cb.OnCredentialExpired()
	}
}

// Connect implements engine.Engine
func (e *Engine) Connect(ctx context.Context, name, storageDir string, cb engine.Callbacks) (engine.Client, error) {
	e.mu.Lock()
	e.connectCount++
	e.callbacks[name] = cb
	delay := e.connectDelay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()

	if len(e.connectErrors) > 0 {
		err := e.connectErrors[0]
		e.connectErrors = e.connectErrors[1:]
		e.mu.Unlock()
		return nil, err
	}

	client := &Client{name: name, state: engine.StateOther}
	e.clients[name] = client
	e.mu.Unlock()

	return client, nil
}

// Client is the connection object handed out by the mock engine
type Client struct {
	name string

	mu           sync.Mutex
	state        engine.State
	stateHandler func(engine.State)
	logoutCalled bool
	closed       bool
	logoutError  error
	sendError    error
	sentTexts    []SentText
	sentFiles    []SentFile
}

// SentText records one SendText invocation
type SentText struct {
	Recipient string
	Text      string
}

// SentFile records one SendFile invocation
type SentFile struct {
	Recipient string
	FileURL   string
	FileName  string
	Caption   string
}

// SetState changes the polled state and fires the registered state handler
func (c *Client) SetState(s engine.State) {
	c.mu.Lock()
	c.state = s
	handler := c.stateHandler
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}

// QueueLogoutError makes Logout fail with err
func (c *Client) QueueLogoutError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutError = err
}

// QueueSendError makes subsequent sends fail with err
func (c *Client) QueueSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendError = err
}

// StateHandlerRegistered reports whether OnConnectionState was called
func (c *Client) StateHandlerRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateHandler != nil
}

// LogoutCalled reports whether Logout was invoked
func (c *Client) LogoutCalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutCalled
}

// Closed reports whether Close was invoked
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SentTexts returns the recorded SendText calls
func (c *Client) SentTexts() []SentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentText(nil), c.sentTexts...)
}

// SentFiles returns the recorded SendFile calls
func (c *Client) SentFiles() []SentFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentFile(nil), c.sentFiles...)
}

// OnConnectionState implements engine.Client
func (c *Client) OnConnectionState(fn func(engine.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandler = fn
}

// ConnectionState implements engine.Client
func (c *Client) ConnectionState(ctx context.Context) (engine.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

// Close implements engine.Client
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Logout implements engine.Client
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalled = true
	return c.logoutError
}

// SendText implements engine.Client
func (c *Client) SendText(ctx context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendError != nil {
		return c.sendError
	}
	c.sentTexts = append(c.sentTexts, SentText{Recipient: recipient, Text: text})
	return nil
}

// SendFile implements engine.Client
func (c *Client) SendFile(ctx context.Context, recipient, fileURL, fileName, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendError != nil {
		return c.sendError
	}
	c.sentFiles = append(c.sentFiles, SentFile{
		Recipient: recipient,
		FileURL:   fileURL,
		FileName:  fileName,
		Caption:   caption,
	})
	return nil
}
