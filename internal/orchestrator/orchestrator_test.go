package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/EventaLabs/wa-gateway/internal/engine"
	"github.com/EventaLabs/wa-gateway/internal/engine/mock"
	"github.com/EventaLabs/wa-gateway/internal/notify"
	"github.com/EventaLabs/wa-gateway/internal/session"
)

func newTestOrchestrator(t *testing.T, eng engine.Engine) *Orchestrator {
	t.Helper()
	o := New(eng, Options{
		Concurrency:             2,
		CredentialWaitTimeout:   500 * time.Millisecond,
		CredentialTTL:           time.Minute,
		CredentialSweepInterval: time.Minute,
		TokensDir:               t.TempDir(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o.Start()
	t.Cleanup(o.Stop)
	return o
}

// waitFor polls until cond holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestEnsureSession_IssuesCredential(t *testing.T) {
	eng := mock.NewEngine()
	o := newTestOrchestrator(t, eng)

	type outcome struct {
		result EnsureResult
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		r, err := o.EnsureSession(context.Background(), "alice")
		resCh <- outcome{r, err}
	}()

	waitFor(t, "connect call", func() bool { return eng.ConnectCount() == 1 })
	eng.FireCredential("alice", "qr-1")

	out := <-resCh
	if out.err != nil {
		t.Fatalf("EnsureSession failed: %v", out.err)
	}
	if out.result.Connected {
		t.Error("Expected session not to be connected yet")
	}
	if out.result.Credential != "qr-1" {
		t.Errorf("Expected credential qr-1, got %q", out.result.Credential)
	}
	if eng.ConnectCount() != 1 {
		t.Errorf("Expected exactly one connect, got %d", eng.ConnectCount())
	}

	rec, ok := o.Registry().Get("alice")
	if !ok {
		t.Fatal("Expected session record to exist")
	}
	if rec.Phase != session.PhaseAwaitingCredential {
		t.Errorf("Expected awaiting_credential phase, got %s", rec.Phase)
	}
}

func TestEnsureSession_ConcurrentCallersSingleConnect(t *testing.T) {
	eng := mock.NewEngine()
	eng.SetConnectDelay(50 * time.Millisecond)
	o := newTestOrchestrator(t, eng)

	const callers = 10
	credentials := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := o.EnsureSession(context.Background(), "alice")
			if err != nil {
				t.Errorf("EnsureSession failed: %v", err)
				return
			}
			credentials <- r.Credential
		}()
	}

	waitFor(t, "connect call", func() bool { return eng.ConnectCount() == 1 })
	// Give stragglers time to reach the wait path, then issue once.
	time.Sleep(100 * time.Millisecond)
	eng.FireCredential("alice", "qr-1")
	wg.Wait()

	if eng.ConnectCount() != 1 {
		t.Errorf("Expected exactly one connect for %d concurrent callers, got %d", callers, eng.ConnectCount())
	}
	close(credentials)
	for cred := range credentials {
		if cred != "qr-1" {
			t.Errorf("Expected every caller to observe qr-1, got %q", cred)
		}
	}
}

func TestEnsureSession_CredentialTimeout(t *testing.T) {
	eng := mock.NewEngine()
	o := newTestOrchestrator(t, eng)

	_, err := o.EnsureSession(context.Background(), "alice")
	if !errors.Is(err, ErrCredentialTimeout) {
		t.Fatalf("Expected ErrCredentialTimeout, got %v", err)
	}

	// The creation task is unaffected: a late credential still lands
	eng.FireCredential("alice", "qr-late")
	r, err := o.EnsureSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Second EnsureSession failed: %v", err)
	}
	if r.Credential != "qr-late" {
		t.Errorf("Expected qr-late, got %q", r.Credential)
	}
	if eng.ConnectCount() != 1 {
		t.Errorf("Expected the original creation to be reused, got %d connects", eng.ConnectCount())
	}
}

func TestEnsureSession_ConnectFailurePurges(t *testing.T) {
	eng := mock.NewEngine()
	eng.QueueConnectError(errors.New("engine exhausted"))
	o := newTestOrchestrator(t, eng)

	_, err := o.EnsureSession(context.Background(), "alice")
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}

	if _, ok := o.Registry().Get("alice"); ok {
		t.Error("Expected failed session to be purged")
	}

	// A fresh submit succeeds after the failure
	resCh := make(chan error, 1)
	go func() {
		_, err := o.EnsureSession(context.Background(), "alice")
		resCh <- err
	}()
	waitFor(t, "second connect call", func() bool { return eng.ConnectCount() == 2 })
	eng.FireCredential("alice", "qr-2")
	if err := <-resCh; err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
}

func TestEnsureSession_AlreadyConnected(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")

	r, err := o.EnsureSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if !r.Connected {
		t.Error("Expected connected result")
	}
	if eng.ConnectCount() != 1 {
		t.Errorf("Expected no extra connect, got %d", eng.ConnectCount())
	}
}

// connectSession drives a session all the way to the connected phase
func connectSession(t *testing.T, eng *mock.Engine, name string) *Orchestrator {
	t.Helper()
	o := newTestOrchestrator(t, eng)

	resCh := make(chan error, 1)
	go func() {
		_, err := o.EnsureSession(context.Background(), name)
		resCh <- err
	}()
	waitFor(t, "connect call", func() bool { return eng.Client(name) != nil })
	eng.FireCredential(name, "qr-seed")
	if err := <-resCh; err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	waitFor(t, "state handler", func() bool { return eng.Client(name).StateHandlerRegistered() })
	eng.Client(name).SetState(engine.StateConnected)
	waitFor(t, "connected phase", func() bool {
		rec, ok := o.Registry().Get(name)
		return ok && rec.Phase == session.PhaseConnected
	})
	return o
}

func TestConnectedClearsCredential(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")

	status, err := o.Status(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != StatusConnected {
		t.Errorf("Expected connected status, got %s", status)
	}

	// A connected session has no pending pairing credential
	if _, ok := o.credentials.Get("alice"); ok {
		t.Error("Expected credential cache to be cleared on connect")
	}
}

func TestConnectedEventPublished(t *testing.T) {
	eng := mock.NewEngine()
	o := newTestOrchestrator(t, eng)

	events := o.Subscribe("alice")

	resCh := make(chan error, 1)
	go func() {
		_, err := o.EnsureSession(context.Background(), "alice")
		resCh <- err
	}()
	waitFor(t, "connect call", func() bool { return eng.Client("alice") != nil })
	eng.FireCredential("alice", "qr-1")
	if err := <-resCh; err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	waitFor(t, "state handler", func() bool { return eng.Client("alice").StateHandlerRegistered() })
	eng.Client("alice").SetState(engine.StateConnected)

	waitFor(t, "connected event", func() bool {
		select {
		case evt := <-events:
			return evt.Kind == notify.KindConnected
		default:
			return false
		}
	})
}

func TestDisconnectTriggersSingleRecreation(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")

	// Slow the recreation down so the duplicate disconnect lands while
	// the first recreation is still in flight.
	eng.SetConnectDelay(100 * time.Millisecond)

	client := eng.Client("alice")
	client.SetState(engine.StateDisconnected)
	client.SetState(engine.StateDisconnected)

	waitFor(t, "recreation", func() bool { return eng.ConnectCount() == 2 })
	time.Sleep(200 * time.Millisecond)

	if eng.ConnectCount() != 2 {
		t.Errorf("Expected exactly one recreation, got %d total connects", eng.ConnectCount())
	}

	rec, ok := o.Registry().Get("alice")
	if !ok {
		t.Fatal("Expected record to survive an ordinary disconnect")
	}
	if rec.ManualLogout {
		t.Error("Expected manual logout flag to stay false across recreation")
	}
}

func TestCredentialExpiryTriggersRecreation(t *testing.T) {
	eng := mock.NewEngine()
	o := newTestOrchestrator(t, eng)

	resCh := make(chan error, 1)
	go func() {
		_, err := o.EnsureSession(context.Background(), "alice")
		resCh <- err
	}()
	waitFor(t, "connect call", func() bool { return eng.ConnectCount() == 1 })
	eng.FireCredential("alice", "qr-1")
	if err := <-resCh; err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	eng.FireCredentialExpired("alice")

	waitFor(t, "recreation after expiry", func() bool { return eng.ConnectCount() == 2 })
	if _, ok := o.credentials.Get("alice"); ok {
		t.Error("Expected expired credential to be cleared")
	}
}

func TestLogout_StickyFlagSuppressesRecreation(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")
	client := eng.Client("alice")

	if err := o.Logout(context.Background(), "alice"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if !client.LogoutCalled() {
		t.Error("Expected engine logout to be invoked")
	}

	// Disconnect and expiry events delivered after logout must not
	// resurrect the session.
	client.SetState(engine.StateDisconnected)
	eng.FireCredentialExpired("alice")
	client.SetState(engine.StateDisconnected)
	time.Sleep(100 * time.Millisecond)

	if eng.ConnectCount() != 1 {
		t.Errorf("Expected no recreation after logout, got %d connects", eng.ConnectCount())
	}
	status, err := o.Status(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != StatusNotFound {
		t.Errorf("Expected not_found after logout, got %s", status)
	}
}

func TestLogout_NotFound(t *testing.T) {
	eng := mock.NewEngine()
	o := newTestOrchestrator(t, eng)

	if err := o.Logout(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLogout_EngineFailureStillPurges(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")
	eng.Client("alice").QueueLogoutError(errors.New("engine hung up"))

	err := o.Logout(context.Background(), "alice")
	var logoutErr *LogoutError
	if !errors.As(err, &logoutErr) {
		t.Fatalf("Expected LogoutError, got %v", err)
	}

	if _, ok := o.Registry().Get("alice"); ok {
		t.Error("Expected record to be purged despite logout failure")
	}

	// A subsequent creation request starts fresh
	resCh := make(chan error, 1)
	go func() {
		_, err := o.EnsureSession(context.Background(), "alice")
		resCh <- err
	}()
	waitFor(t, "fresh connect", func() bool { return eng.ConnectCount() == 2 })
	eng.FireCredential("alice", "qr-fresh")
	if err := <-resCh; err != nil {
		t.Fatalf("Fresh creation failed: %v", err)
	}
}

func TestStatus_Mapping(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")

	status, _ := o.Status(context.Background(), "ghost")
	if status != StatusNotFound {
		t.Errorf("Expected not_found for unregistered name, got %s", status)
	}

	// The mock reports the polled state independently of the phase
	eng.Client("alice").OnConnectionState(func(engine.State) {}) // detach controller for direct state control
	eng.Client("alice").SetState(engine.StateOther)
	status, err := o.Status(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != StatusAwaitingConnection {
		t.Errorf("Expected awaiting_connection, got %s", status)
	}
}

func TestSendTicket(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")

	req := TicketRequest{
		Recipient:        "5511999990000",
		ImageURL:         "https://example.com/ticket.jpg",
		TicketText:       "Here is your ticket",
		InviteText:       "See you there",
		ConfirmationText: "Please confirm",
	}
	if err := o.SendTicket(context.Background(), "alice", req); err != nil {
		t.Fatalf("SendTicket failed: %v", err)
	}

	client := eng.Client("alice")
	files := client.SentFiles()
	if len(files) != 1 {
		t.Fatalf("Expected 1 file, got %d", len(files))
	}
	if files[0].Recipient != "5511999990000@c.us" {
		t.Errorf("Expected normalized recipient, got %s", files[0].Recipient)
	}
	if files[0].Caption != "Here is your ticket" {
		t.Errorf("Unexpected caption: %s", files[0].Caption)
	}

	texts := client.SentTexts()
	if len(texts) != 2 {
		t.Fatalf("Expected 2 texts, got %d", len(texts))
	}
	if texts[0].Text != "See you there" || texts[1].Text != "Please confirm" {
		t.Errorf("Unexpected text order: %+v", texts)
	}
}

func TestSendVoucher(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")

	req := VoucherRequest{
		Recipient:   "5511999990000@c.us",
		ImageURL:    "https://example.com/voucher.png",
		VoucherText: "Your voucher",
		Message:     "Enjoy",
	}
	if err := o.SendVoucher(context.Background(), "alice", req); err != nil {
		t.Fatalf("SendVoucher failed: %v", err)
	}

	client := eng.Client("alice")
	if len(client.SentFiles()) != 1 || len(client.SentTexts()) != 1 {
		t.Errorf("Expected 1 file and 1 text, got %d and %d",
			len(client.SentFiles()), len(client.SentTexts()))
	}
	if client.SentFiles()[0].Recipient != "5511999990000@c.us" {
		t.Error("Expected already-suffixed recipient to pass through unchanged")
	}
}

func TestSend_Errors(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")

	if err := o.SendVoucher(context.Background(), "ghost", VoucherRequest{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	eng.Client("alice").QueueSendError(errors.New("dispatch failed"))
	err := o.SendTicket(context.Background(), "alice", TicketRequest{Recipient: "1"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Errorf("Expected SendError, got %v", err)
	}
}

func TestCredentialReissueKeepsDeliveredSuppression(t *testing.T) {
	eng := mock.NewEngine()
	o := newTestOrchestrator(t, eng)

	resCh := make(chan error, 1)
	go func() {
		_, err := o.EnsureSession(context.Background(), "alice")
		resCh <- err
	}()
	waitFor(t, "connect call", func() bool { return eng.ConnectCount() == 1 })
	eng.FireCredential("alice", "qr-1")
	if err := <-resCh; err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	// The same payload re-issued while still live keeps the delivered flag
	eng.FireCredential("alice", "qr-1")
	cred, ok := o.credentials.Get("alice")
	if !ok {
		t.Fatal("Expected credential to be present")
	}
	if !cred.Delivered {
		t.Error("Expected duplicate re-issue to preserve delivered state")
	}

	// A genuinely new payload resets delivery
	eng.FireCredential("alice", "qr-2")
	cred, _ = o.credentials.Get("alice")
	if cred.Payload != "qr-2" {
		t.Errorf("Expected new payload, got %s", cred.Payload)
	}
	if cred.Delivered {
		t.Error("Expected new payload to be undelivered")
	}
}

func TestLogout_WhileRecreationQueued(t *testing.T) {
	eng := mock.NewEngine()
	o := New(eng, Options{
		Concurrency:             1,
		CredentialWaitTimeout:   500 * time.Millisecond,
		CredentialTTL:           time.Minute,
		CredentialSweepInterval: time.Minute,
		TokensDir:               t.TempDir(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o.Start()
	t.Cleanup(o.Stop)

	resCh := make(chan error, 1)
	go func() {
		_, err := o.EnsureSession(context.Background(), "alice")
		resCh <- err
	}()
	waitFor(t, "connect call", func() bool { return eng.Client("alice") != nil })
	eng.FireCredential("alice", "qr-seed")
	if err := <-resCh; err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	waitFor(t, "state handler", func() bool { return eng.Client("alice").StateHandlerRegistered() })
	eng.Client("alice").SetState(engine.StateConnected)
	waitFor(t, "connected phase", func() bool {
		rec, ok := o.Registry().Get("alice")
		return ok && rec.Phase == session.PhaseConnected
	})

	// Occupy the only creation slot with another name so alice's
	// recreation sits queued.
	eng.SetConnectDelay(150 * time.Millisecond)
	go o.EnsureSession(context.Background(), "bob") //nolint:errcheck // times out on credential
	waitFor(t, "slot occupied", func() bool { return eng.ConnectCount() == 2 })

	eng.Client("alice").SetState(engine.StateDisconnected)
	if err := o.Logout(context.Background(), "alice"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	// Let bob's connect finish and the queued recreation drain.
	time.Sleep(300 * time.Millisecond)

	if _, ok := o.Registry().Get("alice"); ok {
		t.Error("Expected logged-out session to stay gone after queued recreation ran")
	}
	if eng.ConnectCount() != 2 {
		t.Errorf("Expected no reconnect for alice after logout, got %d connects", eng.ConnectCount())
	}
}

func TestRecreationClosesSupersededClient(t *testing.T) {
	eng := mock.NewEngine()
	o := connectSession(t, eng, "alice")
	old := eng.Client("alice")

	old.SetState(engine.StateDisconnected)
	waitFor(t, "recreation", func() bool { return eng.ConnectCount() == 2 })
	waitFor(t, "superseded client closed", func() bool { return old.Closed() })

	if old.StateHandlerRegistered() {
		t.Error("Expected superseded client handler to be detached")
	}

	// A stale event from the old connection must not move the session.
	old.SetState(engine.StateConnected)
	if rec, ok := o.Registry().Get("alice"); ok && rec.Phase == session.PhaseConnected {
		t.Error("Expected stale connected event to be ignored")
	}
}

func TestEnsureSession_DuplicateObservesReconnect(t *testing.T) {
	eng := mock.NewEngine()
	eng.SetConnectDelay(100 * time.Millisecond)
	o := newTestOrchestrator(t, eng)

	// Both callers race into the same creation; the session reconnects
	// from stored credentials and never issues a pairing credential, so
	// the attached duplicate has no settle channel to watch.
	var wg sync.WaitGroup
	results := make(chan EnsureResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := o.EnsureSession(context.Background(), "alice")
			if err != nil {
				t.Errorf("EnsureSession failed: %v", err)
				return
			}
			results <- r
		}()
	}

	waitFor(t, "state handler", func() bool {
		c := eng.Client("alice")
		return c != nil && c.StateHandlerRegistered()
	})
	eng.Client("alice").SetState(engine.StateConnected)

	wg.Wait()
	close(results)
	for r := range results {
		if !r.Connected {
			t.Error("Expected every caller to observe the connected session")
		}
	}
	if eng.ConnectCount() != 1 {
		t.Errorf("Expected exactly one connect, got %d", eng.ConnectCount())
	}
}
