// Package channel owns the single long-lived MQTT v5 session the agent
// maintains with the cloud update service: connect/subscribe/publish
// maintenance and disconnect classification. Shaped after the teacher's
// internal/mqtt package (paho.golang client, user-property plumbing) but
// driving paho.Client directly instead of through autopaho's
// auto-reconnecting wrapper, since the channel itself must own the
// explicit Unknown/Connecting/Connected/Disconnected state machine.
package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/crypto/pkcs12"

	"github.com/contoso/adu-agent/internal/wire"
)

// ConnectionSettings is the immutable session configuration created at
// startup from the agent's configuration file (spec section 3).
type ConnectionSettings struct {
	Host               string
	Port               int
	MQTTVersion         int
	KeepAliveSecs      int
	CleanSession       bool

	Username string
	Password string

	CAFile          string
	CertFile        string
	KeyFile         string
	KeyFilePassword string
	UseTLS          bool
	UseOSCerts      bool
}

// State is one of the four channel lifecycle states (spec section 3).
type State int

const (
	Unknown State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Invalid"
	}
}

// DisconnectCategory classifies a disconnect (or connect failure) reason
// code into the three buckets spec section 4.3 defines.
type DisconnectCategory int

const (
	Transient DisconnectCategory = iota
	NonRecoverable
	Other
)

// Reason codes from the MQTT v5 spec that this channel distinguishes.
// Only the subset spec section 4.3 names is enumerated; anything else
// classifies as Other.
const (
	ReasonNormalDisconnection          byte = 0x00
	ReasonDisconnectWithWillMessage     byte = 0x04
	ReasonUnspecifiedError              byte = 0x80
	ReasonMalformedPacket               byte = 0x81
	ReasonProtocolError                  byte = 0x82
	ReasonImplementationSpecificError   byte = 0x83
	ReasonNotAuthorized                  byte = 0x87
	ReasonServerBusy                     byte = 0x89
	ReasonServerShuttingDown             byte = 0x8B
	ReasonKeepAliveTimeout               byte = 0x8D
	ReasonSessionTakenOver               byte = 0x8E
	ReasonTopicFilterInvalid             byte = 0x8F
	ReasonTopicNameInvalid               byte = 0x90
	ReasonReceiveMaximumExceeded         byte = 0x93
	ReasonTopicAliasInvalid              byte = 0x94
	ReasonPacketTooLarge                 byte = 0x95
	ReasonMessageRateTooHigh             byte = 0x96
	ReasonQuotaExceeded                  byte = 0x97
	ReasonAdministrativeAction           byte = 0x98
	ReasonPayloadFormatInvalid           byte = 0x99
	ReasonRetainNotSupported             byte = 0x9A
	ReasonQoSNotSupported                byte = 0x9B
	ReasonUseAnotherServer               byte = 0x9C
	ReasonServerMoved                    byte = 0x9D
	ReasonSharedSubscriptionsNotSupported byte = 0x9E
	ReasonConnectionRateExceeded         byte = 0x9F
)

// ClassifyDisconnect maps an MQTT v5 disconnect reason code onto the
// Transient / NonRecoverable / Other buckets spec section 4.3 describes.
// The category is reported to the owner through Hooks.OnDisconnected. It
// does not change how the channel reconnects: after any disconnect,
// NonRecoverable included, tickDisconnected returns the channel to
// Unknown once minRetryDelay has passed, and a new connect is attempted.
func ClassifyDisconnect(reasonCode byte) DisconnectCategory {
	switch reasonCode {
	case ReasonNormalDisconnection, ReasonDisconnectWithWillMessage,
		ReasonServerBusy, ReasonServerShuttingDown, ReasonKeepAliveTimeout,
		ReasonUseAnotherServer, ReasonServerMoved, ReasonConnectionRateExceeded:
		return Transient
	case ReasonMalformedPacket, ReasonProtocolError, ReasonNotAuthorized,
		ReasonSessionTakenOver, ReasonQuotaExceeded, ReasonPacketTooLarge,
		ReasonAdministrativeAction, ReasonPayloadFormatInvalid,
		ReasonTopicNameInvalid, ReasonTopicFilterInvalid, ReasonQoSNotSupported:
		return NonRecoverable
	default:
		return Other
	}
}

// ErrorCategory classifies a client-library error returned from Publish
// or a connect attempt (spec section 4.3, "Publish maps library error
// codes to the same categories consumed by the retry engine").
type ErrorCategory int

const (
	ErrCategoryNone ErrorCategory = iota
	ErrCategoryClientTransient
	ErrCategoryNonRecoverable
	ErrCategoryDefault
)

// Hooks are the channel's callback points into its owner (the agent
// core). Any nil hook is skipped.
type Hooks struct {
	OnConnected     func()
	OnDisconnected  func(category DisconnectCategory)
	OnSubscribed    func()
	OnPublish       func(topic string, payload []byte, props wire.UserProperties, correlationData []byte)
}

const (
	minRetryDelay   = 5 * time.Second
	suppressionTime = 60 * time.Second
)

// Channel owns exactly one MQTT v5 session (spec section 4.3).
type Channel struct {
	mu sync.Mutex

	settings ConnectionSettings
	deviceID string

	publishTopic   string
	subscribeTopic string

	state            State
	topicsSubscribed bool

	lastAttemptTime   time.Time
	lastConnectedTime time.Time
	nextRetryTime     time.Time
	commStateUpdated  time.Time
	suppressUntil     time.Time

	client *paho.Client
	conn   net.Conn

	hooks  Hooks
	logger *slog.Logger
}

// New derives the agent/service topic strings from deviceID (spec
// section 6, "adu/oto/<device_id>/a" and ".../s") and returns a Channel
// in state Unknown.
func New(settings ConnectionSettings, deviceID string, hooks Hooks, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		settings:       settings,
		deviceID:       deviceID,
		publishTopic:   "adu/oto/" + deviceID + "/a",
		subscribeTopic: "adu/oto/" + deviceID + "/s",
		state:          Unknown,
		hooks:          hooks,
		logger:         logger,
	}
}

// SetScopedSubscribeTopic replaces the unscoped service→agent topic with
// the enrollment-scoped template (spec section 6, "Subscribe scoped
// after enrollment"), forcing a re-subscribe on the next tick.
func (c *Channel) SetScopedSubscribeTopic(instance string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeTopic = "adu/oto/" + c.deviceID + "/s/" + instance
	c.topicsSubscribed = false
}

// State reports the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TopicsSubscribed reports whether the service→agent topic has been
// acknowledged by the broker on the current connection.
func (c *Channel) TopicsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicsSubscribed
}

// PublishTopic returns the agent→service topic.
func (c *Channel) PublishTopic() string { return c.publishTopic }

// DoWork drives one tick of the channel state machine (spec section
// 4.3). It is intended to be called every ~100ms from the main loop. It
// first checks the suppression window, then advances state.
func (c *Channel) DoWork(ctx context.Context) {
	c.mu.Lock()
	suppressed := !c.suppressUntil.IsZero() && time.Now().Before(c.suppressUntil)
	st := c.state
	c.mu.Unlock()

	if suppressed {
		return
	}

	switch st {
	case Connected:
		c.ensureSubscribed(ctx)
	case Disconnected:
		c.tickDisconnected()
	case Unknown:
		c.tickUnknown(ctx)
	case Connecting:
		// Connection is established synchronously in tickUnknown's
		// connect() call; nothing to drive here besides waiting on
		// the broker's CONNACK, which also happens inline. Connecting
		// is transient and resolves within the same DoWork call that
		// set it, or falls through to Disconnected on failure.
	}
}

func (c *Channel) tickDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.commStateUpdated) >= minRetryDelay {
		c.state = Unknown
		c.commStateUpdated = time.Now()
	}
}

func (c *Channel) tickUnknown(ctx context.Context) {
	c.mu.Lock()
	if time.Now().Before(c.nextRetryTime) {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.lastAttemptTime = time.Now()
	c.mu.Unlock()

	err := c.connect(ctx)
	if err == nil {
		c.mu.Lock()
		c.state = Connected
		c.lastConnectedTime = time.Now()
		c.commStateUpdated = time.Now()
		c.topicsSubscribed = false
		c.mu.Unlock()
		if c.hooks.OnConnected != nil {
			c.hooks.OnConnected()
		}
		return
	}

	category := classifyConnectError(err)
	c.logger.Warn("channel connect failed", "error", err, "category", connectErrCategoryString(category))

	c.mu.Lock()
	defer c.mu.Unlock()
	switch category {
	case connectErrInvalidParam:
		// Fatal misconfiguration; stay in Unknown but push the retry
		// far out so the caller's health check has room to observe it.
		c.nextRetryTime = time.Now().Add(time.Hour)
	case connectErrLookup:
		c.nextRetryTime = time.Now().Add(minRetryDelay)
	default:
		c.nextRetryTime = time.Now().Add(minRetryDelay)
	}
	c.state = Unknown
}

type connectErrCategory int

const (
	connectErrInvalidParam connectErrCategory = iota
	connectErrLookup
	connectErrOther
)

func connectErrCategoryString(c connectErrCategory) string {
	switch c {
	case connectErrInvalidParam:
		return "InvalidParam"
	case connectErrLookup:
		return "LookupError"
	default:
		return "Other"
	}
}

func classifyConnectError(err error) connectErrCategory {
	if err == nil {
		return connectErrOther
	}
	if _, ok := err.(*net.DNSError); ok {
		return connectErrLookup
	}
	return connectErrOther
}

// connect dials the broker, performs the TLS handshake if configured,
// and runs the MQTT CONNECT/CONNACK exchange.
func (c *Channel) connect(ctx context.Context) error {
	if c.settings.Host == "" || c.settings.Port == 0 {
		return fmt.Errorf("channel: invalid connection settings (host/port required)")
	}

	addr := fmt.Sprintf("%s:%d", c.settings.Host, c.settings.Port)

	var conn net.Conn
	var err error
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if c.settings.UseTLS {
		tlsCfg, tlsErr := loadTLSConfig(c.settings)
		if tlsErr != nil {
			return fmt.Errorf("channel: tls config: %w", tlsErr)
		}
		dialer := &tls.Dialer{Config: tlsCfg}
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("channel: dial %s: %w", addr, err)
	}

	stdRouter := paho.NewStandardRouter()
	stdRouter.RegisterHandler(c.subscribeTopic, c.handleIncoming)

	client := paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: c.deviceID,
		Router:   stdRouter,
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.handleDisconnect(d.ReasonCode)
		},
		OnClientError: func(err error) {
			c.logger.Warn("channel client error", "error", err)
			c.suppressIfNeeded(err)
		},
	})

	connPacket := &paho.Connect{
		KeepAlive:  uint16(c.settings.KeepAliveSecs),
		ClientID:   c.deviceID,
		CleanStart: c.settings.CleanSession,
	}
	if c.settings.Username != "" {
		connPacket.Username = c.settings.Username
		connPacket.UsernameFlag = true
	}
	if c.settings.Password != "" {
		connPacket.Password = []byte(c.settings.Password)
		connPacket.PasswordFlag = true
	}

	ack, err := client.Connect(dialCtx, connPacket)
	if err != nil {
		conn.Close()
		return fmt.Errorf("channel: mqtt connect: %w", err)
	}
	if ack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("channel: mqtt connect refused, reason code %d", ack.ReasonCode)
	}

	c.mu.Lock()
	c.client = client
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Channel) handleIncoming(p *paho.Publish) {
	var props wire.UserProperties
	var correlation []byte
	if p.Properties != nil {
		for _, up := range p.Properties.User {
			props = append(props, wire.UserProperty{Key: up.Key, Value: up.Value})
		}
		correlation = p.Properties.CorrelationData
	}
	if c.hooks.OnPublish != nil {
		c.hooks.OnPublish(p.Topic, p.Payload, props, correlation)
	}
}

func (c *Channel) handleDisconnect(reasonCode byte) {
	category := ClassifyDisconnect(reasonCode)
	c.logger.Warn("channel disconnected", "reason_code", reasonCode, "category", category)

	c.mu.Lock()
	c.state = Disconnected
	c.topicsSubscribed = false
	c.commStateUpdated = time.Now()
	if category == NonRecoverable {
		// The owner sees the category through OnDisconnected. The
		// channel has no terminal state: tickDisconnected still moves
		// it back to Unknown after minRetryDelay, and the connect retry
		// waits for this nextRetryTime.
		c.nextRetryTime = time.Now().Add(minRetryDelay)
	}
	c.mu.Unlock()

	if c.hooks.OnDisconnected != nil {
		c.hooks.OnDisconnected(category)
	}
}

func (c *Channel) suppressIfNeeded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressUntil = time.Now().Add(suppressionTime)
}

// ensureSubscribed issues SUBSCRIBE exactly once per connection (spec
// section 4.3: "idempotent re-subscribe").
func (c *Channel) ensureSubscribed(ctx context.Context) {
	c.mu.Lock()
	if c.topicsSubscribed || c.client == nil {
		c.mu.Unlock()
		return
	}
	client := c.client
	topic := c.subscribeTopic
	c.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := client.Subscribe(subCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: 0},
		},
	})
	if err != nil {
		c.logger.Warn("channel subscribe failed", "topic", topic, "error", err)
		return
	}

	c.mu.Lock()
	c.topicsSubscribed = true
	c.mu.Unlock()
	c.logger.Info("channel subscribed", "topic", topic)
	if c.hooks.OnSubscribed != nil {
		c.hooks.OnSubscribed()
	}
}

// Publish sends one MQTT v5 PUBLISH (spec section 4.3: QoS 1 mandatory
// for request messages, retain always false) and returns a packet id
// plus an error category for the caller's retry-policy mapping. The
// returned packet id is always 0; the id paho assigns to the PUBLISH is
// not passed back to the caller.
func (c *Channel) Publish(ctx context.Context, topic string, payload []byte, props wire.UserProperties, correlationData []byte) (uint16, ErrorCategory, error) {
	c.mu.Lock()
	client := c.client
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || client == nil {
		return 0, ErrCategoryClientTransient, fmt.Errorf("channel: not connected")
	}

	userProps := make([]paho.UserProperty, 0, len(props))
	for _, p := range props {
		userProps = append(userProps, paho.UserProperty{Key: p.Key, Value: p.Value})
	}

	pb := &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  false,
		Properties: &paho.PublishProperties{
			ContentType:     wire.ContentType,
			CorrelationData: correlationData,
			User:            userProps,
		},
	}

	resp, err := client.Publish(ctx, pb)
	if err != nil {
		return 0, classifyPublishError(err), err
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return 0, classifyPublishReasonCode(resp.ReasonCode), fmt.Errorf("channel: publish rejected, reason code %d", resp.ReasonCode)
	}
	return 0, ErrCategoryNone, nil
}

// classifyPublishError maps a paho client-library error to the category
// the retry engine consumes (spec 4.5.1 step 4).
func classifyPublishError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryNone
	}
	if _, ok := err.(net.Error); ok {
		return ErrCategoryClientTransient
	}
	return ErrCategoryDefault
}

// classifyPublishReasonCode maps a PUBACK/PUBREC reason code per spec
// 4.5.1's "On publish-ack" table.
func classifyPublishReasonCode(code byte) ErrorCategory {
	switch code {
	case 0x10: // No matching subscribers
		return ErrCategoryClientTransient
	case 0x87, 0x80, 0x83: // NotAuthorized, Unspecified, ImplementationSpecific
		return ErrCategoryDefault
	case 0x90, 0x95, 0x97, 0x91: // TopicNameInvalid, PacketTooLarge, QuotaExceeded, PacketIdInUse
		return ErrCategoryNonRecoverable
	default:
		return ErrCategoryDefault
	}
}

// Close disconnects cleanly, if connected.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	conn := c.conn
	c.client = nil
	c.conn = nil
	c.state = Unknown
	c.mu.Unlock()

	if client != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0x00})
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// loadTLSConfig builds a *tls.Config from the agent's CA/cert/key
// configuration (spec section 3: "credentials (CA file, client cert,
// client key and optional key password...)"). Two client-credential
// shapes are supported: a PKCS#12 bundle (golang.org/x/crypto/pkcs12,
// selected by a .pfx/.p12 cert file extension) or separate PEM cert/key
// files. A password-protected PEM key uses the legacy
// x509.DecryptPEMBlock API — there is no actively-maintained third-party
// replacement in the retrieved corpus for PKCS#1 "DEK-Info"-encrypted
// key files, so that one corner stays on the standard library (see
// DESIGN.md).
func loadTLSConfig(settings ConnectionSettings) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if !settings.UseOSCerts && settings.CAFile != "" {
		caPEM, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certificates found in %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}

	switch {
	case isPFXFile(settings.CertFile) && settings.KeyFile == "":
		cert, err := loadPFXCertificate(settings.CertFile, settings.KeyFilePassword)
		if err != nil {
			return nil, fmt.Errorf("load pfx cert file: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}

	case settings.CertFile != "" && settings.KeyFile != "":
		certPEM, err := os.ReadFile(settings.CertFile)
		if err != nil {
			return nil, fmt.Errorf("read cert file: %w", err)
		}
		keyPEM, err := os.ReadFile(settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}

		if settings.KeyFilePassword != "" {
			keyPEM, err = decryptPEMKey(keyPEM, settings.KeyFilePassword)
			if err != nil {
				return nil, fmt.Errorf("decrypt key file: %w", err)
			}
		}

		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// isPFXFile reports whether path names a PKCS#12 bundle by extension —
// the certificate/key format a number of device provisioning flows hand
// out as a single password-protected file instead of separate PEM parts.
func isPFXFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".pfx" || ext == ".p12"
}

// loadPFXCertificate decodes a PKCS#12 bundle into a tls.Certificate,
// using the private key and leaf certificate it contains.
func loadPFXCertificate(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read pfx file: %w", err)
	}
	key, leaf, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode pfx: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// decryptPEMKey decrypts a legacy password-protected PEM-encoded private
// key block (PKCS#1, "DEK-Info" header) using the deprecated but still
// present x509.DecryptPEMBlock/pem.EncodeToMemory combination.
//
//nolint:staticcheck // x509.DecryptPEMBlock is deprecated upstream; kept
// for compatibility with legacy device-provisioned encrypted key files.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
