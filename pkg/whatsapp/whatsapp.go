package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	qrCode "github.com/skip2/go-qrcode"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/env"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

var ErrNoCredentials = errors.New("whatsapp session has no stored credentials")

const eventBufferSize = 512

// EventKind identifies the connection and chat events the supervisor
// consumes. Everything the client raises is funneled through one channel so
// event handling keeps the ordering the protocol delivered.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLoggedOut
	EventStreamReplaced
	EventConnectFailure
	EventMessage
	EventGroupInfo
	EventJoinedGroup
)

type Event struct {
	Kind        EventKind
	Message     *events.Message
	GroupInfo   *events.GroupInfo
	JoinedGroup *events.JoinedGroup
	Reason      string
}

// Session wraps a single whatsmeow client plus its datastore. Reconnection
// is owned by the supervisor, so the client's own auto-reconnect stays off.
type Session struct {
	container *sqlstore.Container
	client    *whatsmeow.Client
	events    chan Event
	proxyURL  string
}

// NewSession opens the datastore named by WHATSAPP_DATASTORE_TYPE /
// WHATSAPP_DATASTORE_URI and builds a client around the first stored device,
// or a fresh one when none exists yet. version overrides the advertised
// WhatsApp Web client version when non-zero.
func NewSession(ctx context.Context, version [3]uint32) (*Session, error) {
	driver := env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_TYPE", "sqlite3")
	dsn := env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_URI", "file:session.db?_foreign_keys=on")

	driver = normalizeDatastoreDriver(driver)
	dsn = normalizeDatastoreDSN(driver, dsn)

	log.Print("whatsapp").Info("Initializing WhatsApp datastore with driver=" + driver)

	container, err := sqlstore.New(ctx, driver, dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("open whatsapp datastore: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade whatsapp datastore: %w", err)
	}

	store.DeviceProps.Os = proto.String(runtime.GOOS)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)
	if version != [3]uint32{} {
		store.SetWAVersion(store.WAVersionContainer{version[0], version[1], version[2]})
	}

	session := &Session{
		container: container,
		events:    make(chan Event, eventBufferSize),
	}
	session.proxyURL, _ = env.GetEnvString("WHATSAPP_CLIENT_PROXY_URL")

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	session.attachClient(device)

	return session, nil
}

func (s *Session) attachClient(device *store.Device) {
	client := whatsmeow.NewClient(device, nil)
	if s.proxyURL != "" {
		client.SetProxyAddress(s.proxyURL)
	}
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true
	client.AddEventHandler(s.handleEvent)
	s.client = client
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgresql", "postgres", "pgx":
		return "pgx"
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	if driver != "pgx" {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	return dsn
}

func (s *Session) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		s.emit(Event{Kind: EventConnected})
	case *events.Disconnected:
		s.emit(Event{Kind: EventDisconnected})
	case *events.LoggedOut:
		s.emit(Event{Kind: EventLoggedOut, Reason: e.Reason.String()})
	case *events.StreamReplaced:
		s.emit(Event{Kind: EventStreamReplaced})
	case *events.ConnectFailure:
		s.emit(Event{Kind: EventConnectFailure, Reason: fmt.Sprintf("%s: %s", e.Reason, e.Message)})
	case *events.Message:
		s.emit(Event{Kind: EventMessage, Message: e})
	case *events.GroupInfo:
		s.emit(Event{Kind: EventGroupInfo, GroupInfo: e})
	case *events.JoinedGroup:
		s.emit(Event{Kind: EventJoinedGroup, JoinedGroup: e})
	case *events.KeepAliveTimeout:
		log.Print("whatsapp").Warn(fmt.Sprintf("Client keepalive timeout, errors=%d, lastSuccess=%s",
			e.ErrorCount, e.LastSuccess.Format(time.RFC3339)))
	case *events.TemporaryBan:
		log.Print("whatsapp").Error(fmt.Sprintf("Client temporarily banned, reason=%s, expires=%s", e.Code, e.Expire))
	}
}

// emit never blocks the client's event goroutine. A full buffer means the
// supervisor stalled; dropping with a warning beats deadlocking the socket
// reader.
func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
		log.Print("whatsapp").WithField("kind", evt.Kind).Warn("Event buffer full, dropping event")
	}
}

// Events returns the channel the supervisor drains.
func (s *Session) Events() <-chan Event {
	return s.events
}

// HasCredentials reports whether the datastore holds a paired device.
func (s *Session) HasCredentials() bool {
	return s.client.Store.ID != nil
}

// Connect dials the WhatsApp servers. On an unpaired session it runs the QR
// pairing flow first, printing each code to the terminal until the phone
// scans one or ctx expires.
func (s *Session) Connect(ctx context.Context) error {
	if s.HasCredentials() {
		return s.client.Connect()
	}

	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open qr channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return err
	}

	log.Print("whatsapp").Info("No stored credentials, waiting for QR scan")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("qr channel closed before pairing completed")
			}
			switch evt.Event {
			case "code":
				code, err := qrCode.New(evt.Code, qrCode.Medium)
				if err != nil {
					return fmt.Errorf("render qr code: %w", err)
				}
				fmt.Println("\nScan this QR code with WhatsApp on your phone:")
				fmt.Println(code.ToSmallString(false))
			case whatsmeow.QRChannelSuccess.Event:
				log.Print("whatsapp").Info("QR pairing succeeded")
				return nil
			case whatsmeow.QRChannelTimeout.Event:
				return errors.New("qr pairing timed out")
			case "error":
				if evt.Error != nil {
					return evt.Error
				}
				return errors.New("qr pairing failed")
			}
		}
	}
}

func (s *Session) Disconnect() {
	s.client.Disconnect()
}

// Reset discards the stored credentials and swaps in a fresh device so the
// next Connect runs QR pairing again. Used after the phone unlinks the bot.
func (s *Session) Reset(ctx context.Context) error {
	s.client.RemoveEventHandlers()
	s.client.Disconnect()

	if s.client.Store.ID != nil {
		if err := s.client.Store.Delete(ctx); err != nil {
			return fmt.Errorf("delete stored credentials: %w", err)
		}
	}

	device := s.container.NewDevice()
	s.attachClient(device)
	return nil
}

// IsConnected reports whether the socket is up and authenticated.
func (s *Session) IsConnected() bool {
	return s.client.IsConnected() && s.client.IsLoggedIn()
}

// OwnNumber returns the paired account's phone number, or "" before pairing.
func (s *Session) OwnNumber() string {
	if s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.User
}

// JoinedGroups fetches the full group list with participants from the server.
func (s *Session) JoinedGroups(ctx context.Context) ([]*types.GroupInfo, error) {
	if !s.IsConnected() {
		return nil, broadcast.ErrNotConnected
	}
	return s.client.GetJoinedGroups(ctx)
}

func (s *Session) SendText(ctx context.Context, to types.JID, text string) error {
	msgExtra := whatsmeow.SendRequestExtra{ID: s.client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		Conversation: proto.String(text),
	}
	_, err := s.client.SendMessage(ctx, to, msgContent, msgExtra)
	return err
}

// SendForward re-sends the original message content with the forwarded
// marker set, bumping the forwarding score when the source already carried
// one.
func (s *Session) SendForward(ctx context.Context, to types.JID, msg *broadcast.PendingMessage) error {
	if msg == nil || msg.Raw == nil {
		return errors.New("no message content to forward")
	}

	forwardingScore := uint32(1)
	if ext := msg.Raw.ExtendedTextMessage; ext != nil && ext.ContextInfo != nil {
		if fs := ext.ContextInfo.ForwardingScore; fs != nil && *fs > 0 {
			forwardingScore = *fs + 1
		}
	}
	contextInfo := &waE2E.ContextInfo{
		IsForwarded:     proto.Bool(true),
		ForwardingScore: proto.Uint32(forwardingScore),
	}

	content := &waE2E.Message{}
	switch {
	case msg.Raw.Conversation != nil:
		content.ExtendedTextMessage = &waE2E.ExtendedTextMessage{
			Text:        proto.String(msg.Raw.GetConversation()),
			ContextInfo: contextInfo,
		}
	case msg.Raw.ExtendedTextMessage != nil:
		ext := proto.Clone(msg.Raw.ExtendedTextMessage).(*waE2E.ExtendedTextMessage)
		ext.ContextInfo = contextInfo
		content.ExtendedTextMessage = ext
	case msg.Raw.ImageMessage != nil:
		img := proto.Clone(msg.Raw.ImageMessage).(*waE2E.ImageMessage)
		img.ContextInfo = contextInfo
		content.ImageMessage = img
	default:
		content.ExtendedTextMessage = &waE2E.ExtendedTextMessage{
			Text:        proto.String(msg.Text),
			ContextInfo: contextInfo,
		}
	}

	msgExtra := whatsmeow.SendRequestExtra{ID: s.client.GenerateMessageID()}
	_, err := s.client.SendMessage(ctx, to, content, msgExtra)
	return err
}

// SendImage uploads the derived preview image and thumbnail and sends them
// as an image message with the broadcast text as caption.
func (s *Session) SendImage(ctx context.Context, to types.JID, image, thumbnail []byte, caption string) error {
	imageUploaded, err := s.client.Upload(ctx, image, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	thumbUploaded, err := s.client.Upload(ctx, thumbnail, whatsmeow.MediaLinkThumbnail)
	if err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}

	msgExtra := whatsmeow.SendRequestExtra{ID: s.client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			URL:                 proto.String(imageUploaded.URL),
			DirectPath:          proto.String(imageUploaded.DirectPath),
			Mimetype:            proto.String("image/jpeg"),
			Caption:             proto.String(caption),
			FileLength:          proto.Uint64(imageUploaded.FileLength),
			FileSHA256:          imageUploaded.FileSHA256,
			FileEncSHA256:       imageUploaded.FileEncSHA256,
			MediaKey:            imageUploaded.MediaKey,
			JPEGThumbnail:       thumbnail,
			ThumbnailDirectPath: &thumbUploaded.DirectPath,
			ThumbnailSHA256:     thumbUploaded.FileSHA256,
			ThumbnailEncSHA256:  thumbUploaded.FileEncSHA256,
		},
	}
	_, err = s.client.SendMessage(ctx, to, msgContent, msgExtra)
	return err
}

// SendReport delivers an operator-facing reply, quoting the triggering
// message when one is given.
func (s *Session) SendReport(ctx context.Context, to types.JID, text string, quoted *broadcast.PendingMessage) error {
	msgExtra := whatsmeow.SendRequestExtra{ID: s.client.GenerateMessageID()}

	var msgContent *waE2E.Message
	if quoted != nil {
		msgContent = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(text),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:      proto.String(quoted.ID),
					Participant:   proto.String(quoted.Sender.String()),
					QuotedMessage: quoted.Raw,
				},
			},
		}
	} else {
		msgContent = &waE2E.Message{
			Conversation: proto.String(text),
		}
	}

	_, err := s.client.SendMessage(ctx, to, msgContent, msgExtra)
	return err
}

func (s *Session) MarkRead(ctx context.Context, msg *broadcast.PendingMessage) error {
	return s.client.MarkRead(ctx, []types.MessageID{msg.ID}, time.Now(), msg.Chat, msg.Sender)
}
