package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	wtypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"wa-bulk-sender/session"
	"wa-bulk-sender/types"
	"wa-bulk-sender/utils"
)

const (
	deviceDB    = "device.db"
	eventBuffer = 64
	ackTimeout  = 30 * time.Second
)

// Cause codes reported on top of the session package defaults.
const (
	CauseStreamReplaced = "stream-replaced"
	CauseTemporaryBan   = "temporary-ban"
	CauseClientOutdated = "client-outdated"
)

// Factory opens one whatsmeow device store per tenant credential directory.
type Factory struct {
	log   zerolog.Logger
	retry *utils.RetryConfig
}

var osInfoOnce sync.Once

// NewFactory returns a factory whose linked devices show up as osName in
// the phone's "Linked devices" list.
func NewFactory(log zerolog.Logger, osName string) *Factory {
	if osName != "" {
		osInfoOnce.Do(func() {
			store.SetOSInfo(osName, [3]uint32{120, 0, 0})
			store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
		})
	}
	return &Factory{log: log, retry: utils.DefaultRetryConfig()}
}

func deviceDSN(dir string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", filepath.Join(dir, deviceDB))
}

func (f *Factory) NewTransport(ctx context.Context, creds *session.Credentials) (session.Transport, error) {
	log := f.log.With().Str("tenant", creds.TenantID).Logger()
	dbLog := waLog.Zerolog(log.With().Str("component", "store").Logger())

	var container *sqlstore.Container
	err := utils.WithRetry(ctx, func() error {
		var err error
		container, err = sqlstore.New(ctx, "sqlite", deviceDSN(creds.Dir), dbLog)
		if err != nil {
			log.Warn().Err(err).Msg("Device store open attempt failed")
		}
		return err
	}, f.retry)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("component", "client").Logger()))
	// Reconnects are driven by the session state machine, including the
	// one whatsmeow needs right after pairing.
	client.EnableAutoReconnect = false
	client.DisableLoginAutoReconnect = true

	c := newClient(client, log)
	c.container = container
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

// Client adapts a whatsmeow client to session.Transport.
type Client struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	log       zerolog.Logger

	events    chan session.Event
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(client *whatsmeow.Client, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		client: client,
		log:    log,
		events: make(chan session.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) Events() <-chan session.Event {
	return c.events
}

// Connect opens the websocket. Unpaired devices get a QR channel first so
// pairing codes flow out as PairingChallenge events.
func (c *Client) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go c.forwardPairing(qrChan)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.client.Connect() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		c.client.Disconnect()
		return ctx.Err()
	}
}

func (c *Client) forwardPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if ev, ok := translatePairing(item); ok {
			c.push(ev)
		}
	}
}

func translatePairing(item whatsmeow.QRChannelItem) (session.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return session.PairingChallenge{Payload: item.Code}, true
	case whatsmeow.QRChannelSuccess.Event:
		// Reported through events.PairSuccess.
		return nil, false
	case whatsmeow.QRChannelTimeout.Event:
		return session.StateChange{State: session.ConnClosed, Cause: session.CausePairingTimeout, Err: errors.New("QR code was not scanned in time")}, true
	case whatsmeow.QRChannelEventError:
		return session.StateChange{State: session.ConnClosed, Cause: session.CauseConnectFailed, Err: item.Error}, true
	default:
		return session.StateChange{State: session.ConnClosed, Cause: item.Event, Err: fmt.Errorf("pairing failed: %s", item.Event)}, true
	}
}

func (c *Client) handleEvent(evt interface{}) {
	ev, persist, ok := translate(evt)
	if !ok {
		return
	}
	if !c.push(ev) {
		return
	}
	if persist {
		c.persist()
	}
}

// translate maps a whatsmeow event to a session event. persist is set
// when credential material changed and has to be written out.
func translate(evt interface{}) (ev session.Event, persist bool, ok bool) {
	closed := func(cause string, err error) (session.Event, bool, bool) {
		return session.StateChange{State: session.ConnClosed, Cause: cause, Err: err}, false, true
	}

	switch v := evt.(type) {
	case *events.PairSuccess:
		return session.StateChange{State: session.ConnAuthenticated}, true, true
	case *events.Connected:
		return session.StateChange{State: session.ConnOpen}, false, true
	case *events.LoggedOut:
		return closed(session.CauseLoggedOut, fmt.Errorf("logged out: %v", v.Reason))
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return closed(session.CauseLoggedOut, fmt.Errorf("logged out: %v", v.Reason))
		}
		return closed(fmt.Sprintf("connect-failure:%d", int(v.Reason)), fmt.Errorf("connect failure %v: %s", v.Reason, v.Message))
	case *events.ManualLoginReconnect:
		return closed(session.CauseRestartRequired, errors.New("restart required after login"))
	case *events.StreamError:
		return closed("stream-error:"+v.Code, fmt.Errorf("stream error %s", v.Code))
	case *events.StreamReplaced:
		return closed(CauseStreamReplaced, errors.New("connection replaced by another client"))
	case *events.TemporaryBan:
		return closed(CauseTemporaryBan, fmt.Errorf("temporary ban: %v", v))
	case *events.ClientOutdated:
		return closed(CauseClientOutdated, errors.New("client outdated"))
	case *events.Disconnected:
		return closed(session.CauseConnectionLost, errors.New("connection lost"))
	}
	return nil, false, false
}

// push hands an event to the session. It gives up once the client is closed.
func (c *Client) push(ev session.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// persist blocks the whatsmeow handler until the session has written the
// credentials out.
func (c *Client) persist() {
	done := make(chan error, 1)
	if !c.push(session.CredentialsUpdated{Done: done}) {
		return
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			c.log.Error().Err(err).Msg("Credential persist failed")
		}
	case <-c.done:
	case <-timer.C:
		c.log.Warn().Msg("Timed out waiting for credential persist")
	}
}

func (c *Client) Send(ctx context.Context, recipient, text string) (string, error) {
	jid, err := wtypes.ParseJID(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	resp, err := c.client.SendMessage(ctx, jid, utils.CreateTextMessage(text))
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *Client) Profile(ctx context.Context) (*types.UserInfo, error) {
	jid := c.client.Store.ID
	if jid == nil {
		return nil, errors.New("not logged in")
	}
	info := &types.UserInfo{}
	if jid.User != "" {
		phone := jid.User
		info.Phone = &phone
	}
	if name := c.client.Store.PushName; name != "" {
		info.Name = &name
	}

	pic, err := c.client.GetProfilePictureInfo(jid.ToNonAD(), &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		c.log.Debug().Err(err).Msg("Could not get profile picture")
	} else if pic != nil && pic.URL != "" {
		url := pic.URL
		info.ProfilePicURL = &url
	}
	return info, nil
}

func (c *Client) SaveCredentials(ctx context.Context) error {
	return c.client.Store.Save(ctx)
}

func (c *Client) Account() string {
	if id := c.client.Store.ID; id != nil {
		return id.String()
	}
	return ""
}

func (c *Client) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.client.Disconnect()
		if c.container != nil {
			err = c.container.Close()
		}
	})
	return err
}
