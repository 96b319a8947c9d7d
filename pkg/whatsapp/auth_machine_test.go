package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/wweb/pkg/auth"
)

func TestAuthMachine_FreshSessionFlow(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	assert.Equal(t, StateUninitialized, fx.client.State().State)
	fx.scriptFreshLogin("2@ref,static,identity,adv,chrome")

	ctx := context.Background()
	require.NoError(t, fx.client.Initialize(ctx))

	events := fx.waitForEvents(1)
	require.Equal(t, EventQR, events[0].Type)
	assert.NotEmpty(t, events[0].QR)
	fx.waitForState(StateAwaitingQR)

	// QR codes refresh; the latest one wins.
	fx.engine.emit(EventQR, "2@ref2,static,identity,adv,chrome")
	events = fx.waitForEvents(2)
	assert.Equal(t, "2@ref2,static,identity,adv,chrome", events[1].QR)
	assert.Equal(t, StateAwaitingQR, fx.client.State().State)

	fx.engine.emit(EventAuthenticated, nil)
	events = fx.waitForEvents(3)
	assert.Equal(t, EventAuthenticated, events[2].Type)
	fx.waitForState(StateAuthenticating)

	fx.engine.emit(EventReady, nil)
	events = fx.waitForEvents(4)
	assert.Equal(t, EventReady, events[3].Type)
	fx.waitForState(StateReady)
	require.NoError(t, fx.client.WaitReady(ctx))

	assert.Equal(t, []EventType{EventQR, EventQR, EventAuthenticated, EventReady}, fx.events.types())
	assert.Equal(t, 1, fx.engine.bootstraps)
	assert.Equal(t, []string{WhatsWebURL}, fx.engine.navigated)
	assert.Equal(t, filepath.Join(fx.store.(*auth.EphemeralStore).Root(), "test", "browser_data"), fx.engine.profileDir)

	// The captured state was persisted for the next run.
	sess, err := fx.store.Load(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, fx.engine.captureBlob, sess.CredentialBlob)
}

func TestAuthMachine_RestoredSessionSkipsQR(t *testing.T) {
	defer goleak.VerifyNone(t)
	store, err := auth.NewEphemeralStore(t.TempDir())
	require.NoError(t, err)
	blob := []byte(`{"cookies":[{"name":"wa_session"}]}`)
	require.NoError(t, store.Save(context.Background(), "test", &auth.Session{CredentialBlob: blob}))

	fx := newFixtureWithStore(t, store, nil)
	defer fx.close()

	fx.initReady()

	assert.Equal(t, []EventType{EventAuthenticated, EventReady}, fx.events.types())
	assert.Zero(t, fx.events.count(EventQR))
	require.Len(t, fx.engine.restored, 1)
	assert.Equal(t, blob, fx.engine.restored[0])
}

func TestAuthMachine_ReadyAfterAuthenticatedIsNotDuplicated(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	fx.engine.onStart = func(f *fakeEngine) {
		f.emit(EventAuthenticated, nil)
		f.emit(EventAuthenticated, nil)
		f.emit(EventReady, nil)
		f.emit(EventReady, nil)
	}
	require.NoError(t, fx.client.Initialize(context.Background()))
	require.NoError(t, fx.client.WaitReady(context.Background()))

	// Give the duplicate signals time to be processed.
	fx.engine.emit(EventStateChanged, "CONNECTED")
	fx.waitForEvents(3)
	assert.Equal(t, []EventType{EventAuthenticated, EventReady, EventStateChanged}, fx.events.types())
	assert.Equal(t, "CONNECTED", fx.events.all()[2].PageState)
}

func TestAuthMachine_QROnlyInAwaitingQR(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	var statesAtQR []State
	fx.client.On(EventQR, func(Event) error {
		statesAtQR = append(statesAtQR, fx.client.State().State)
		return nil
	})

	fx.scriptFreshLogin("qr-1")
	require.NoError(t, fx.client.Initialize(context.Background()))
	fx.waitForEvents(1)

	fx.engine.emit(EventAuthenticated, nil)
	fx.engine.emit(EventQR, "late-qr")
	fx.engine.emit(EventReady, nil)
	require.NoError(t, fx.client.WaitReady(context.Background()))

	fx.engine.emit(EventQR, "after-ready")
	fx.engine.emit(EventStateChanged, "CONNECTED")
	fx.waitForEvents(4)

	assert.Equal(t, []State{StateAwaitingQR}, statesAtQR)
	assert.Equal(t, []EventType{EventQR, EventAuthenticated, EventReady, EventStateChanged}, fx.events.types())
}

func TestAuthMachine_QRMaxRetries(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, func(o *Options) { o.QRMaxRetries = 2 })
	defer fx.close()

	fx.engine.onStart = func(f *fakeEngine) {
		f.emit(EventQR, "one")
		f.emit(EventQR, "two")
		f.emit(EventQR, "three")
	}
	require.NoError(t, fx.client.Initialize(context.Background()))

	events := fx.waitForEvents(3)
	assert.Equal(t, []EventType{EventQR, EventQR, EventDisconnected}, fx.events.types())
	assert.Equal(t, "qr_max_retries", events[2].Reason)
	fx.waitForState(StateDisconnected)

	var authErr *AuthError
	assert.ErrorAs(t, fx.client.WaitReady(context.Background()), &authErr)
}

func TestAuthMachine_ReadyTimeoutFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, func(o *Options) { o.ReadyTimeout = 150 * time.Millisecond })
	defer fx.close()

	fx.scriptFreshLogin("qr")
	require.NoError(t, fx.client.Initialize(context.Background()))

	err := fx.client.WaitReady(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)

	fx.waitForState(StateFailed)
	events := fx.waitForEvents(2)
	assert.Equal(t, EventDisconnected, events[1].Type)
	assert.Equal(t, "timeout", events[1].Reason)
	assert.Eventually(t, fx.engine.isClosed, time.Second, 5*time.Millisecond)

	// FAILED is terminal.
	assert.ErrorIs(t, fx.client.Initialize(context.Background()), ErrFailed)
}

func TestAuthMachine_QRRefreshRestartsReadyTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, func(o *Options) { o.ReadyTimeout = 300 * time.Millisecond })
	defer fx.close()

	fx.scriptFreshLogin("qr-0")
	require.NoError(t, fx.client.Initialize(context.Background()))
	fx.waitForState(StateAwaitingQR)

	// Pairing outlives the timeout as long as fresh codes keep arriving.
	for i := 1; i <= 6; i++ {
		time.Sleep(100 * time.Millisecond)
		fx.engine.emit(EventQR, fmt.Sprintf("qr-%d", i))
	}
	fx.waitForEvents(7)
	assert.Equal(t, StateAwaitingQR, fx.client.State().State)
	assert.Equal(t, 7, fx.events.count(EventQR))

	// Once the codes stop, the watchdog fires.
	err := fx.client.WaitReady(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	fx.waitForState(StateFailed)
}

func TestAuthMachine_NavigationFailureDisconnects(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	fx.engine.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	err := fx.client.Initialize(context.Background())

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "navigate", connErr.Op)
	assert.Equal(t, StateDisconnected, fx.client.State().State)

	events := fx.waitForEvents(1)
	assert.Equal(t, EventDisconnected, events[0].Type)
	assert.Equal(t, "navigation failed", events[0].Reason)

	// DISCONNECTED is recoverable: a second attempt can succeed.
	fx.engine.mu.Lock()
	fx.engine.navigateErr = nil
	fx.engine.mu.Unlock()
	fx.scriptRestoredLogin()
	require.NoError(t, fx.client.Initialize(context.Background()))
	require.NoError(t, fx.client.WaitReady(context.Background()))
}

func TestAuthMachine_AppShellTimeoutFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	fx.engine.selectorErr = context.DeadlineExceeded
	err := fx.client.Initialize(context.Background())

	assert.ErrorIs(t, err, ErrTimeout)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, StateFailed, fx.client.State().State)
}

func TestAuthMachine_OpenFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	fx.engine.openErr = errors.New("chrome not found")
	err := fx.client.Initialize(context.Background())

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "open", connErr.Op)
	assert.Equal(t, StateDisconnected, fx.client.State().State)
}

func TestAuthMachine_EngineLossDisconnects(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()
	fx.initReady()

	fx.engine.lose("target_crashed")

	fx.waitForState(StateDisconnected)
	events := fx.waitForEvents(3)
	assert.Equal(t, EventDisconnected, events[2].Type)
	assert.Equal(t, "target_crashed", events[2].Reason)

	_, err := fx.client.GetChats(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestAuthMachine_LogoutClearsSessionOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	fx.initReady()

	root := fx.store.(*auth.EphemeralStore).Root()
	_, err := os.Stat(filepath.Join(root, "test", "session.json"))
	require.NoError(t, err, "session should be persisted once ready")

	fx.engine.emit(EventDisconnected, "LOGOUT")
	fx.waitForState(StateDisconnected)
	events := fx.waitForEvents(3)
	assert.Equal(t, "LOGOUT", events[2].Reason)

	require.NoError(t, fx.client.Close(context.Background()))
	_, err = os.Stat(filepath.Join(root, "test"))
	assert.True(t, os.IsNotExist(err), "invalidated session must be removed")
}

func TestAuthMachine_SaveFailureIsNotFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	fx.engine.captureErr = errors.New("storage unavailable")
	fx.initReady()

	assert.Equal(t, StateReady, fx.client.State().State)
	sess, err := fx.store.Load(context.Background(), "test")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAuthMachine_BootstrapFailureDisconnects(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	fx.engine.bootstrapErr = errors.New("collections unavailable")
	fx.scriptRestoredLogin()
	require.NoError(t, fx.client.Initialize(context.Background()))

	var connErr *ConnectionError
	require.ErrorAs(t, fx.client.WaitReady(context.Background()), &connErr)
	assert.Equal(t, "bootstrap", connErr.Op)
	events := fx.waitForEvents(2)
	assert.Equal(t, []EventType{EventAuthenticated, EventDisconnected}, fx.events.types())
	assert.Equal(t, "bootstrap failed", events[1].Reason)
}

func TestAuthMachine_InitializeWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()
	fx.initReady()

	err := fx.client.Initialize(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateReady, fx.client.State().State)
}

func TestAuthMachine_WaitReadyHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil)
	defer fx.close()

	fx.scriptFreshLogin("qr")
	require.NoError(t, fx.client.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fx.client.WaitReady(ctx), context.DeadlineExceeded)
}
