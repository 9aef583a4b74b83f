package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	nanoid "github.com/matoous/go-nanoid"
	"go.uber.org/zap"
)

const (
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Options describes the broker connection.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// NewClient connects a paho client with auto-reconnect enabled.
func NewClient(opts Options, logger *zap.Logger) (paho.Client, error) {
	broker := strings.TrimSpace(opts.Broker)
	if broker == "" {
		return nil, errors.New("mqtt: broker is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientID := opts.ClientID
	if clientID == "" {
		generated, err := generateClientID()
		if err != nil {
			return nil, err
		}
		clientID = generated
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	clientOpts := paho.NewClientOptions()
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(clientID)
	clientOpts.SetKeepAlive(keepAlive)
	clientOpts.SetConnectTimeout(connectTimeout)
	clientOpts.SetAutoReconnect(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("mqtt connected", zap.String("broker", broker))
	})
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", broker), zap.Error(err))
	})

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}

	return client, nil
}

func generateClientID() (string, error) {
	id, err := nanoid.Nanoid(12)
	if err != nil {
		return "", fmt.Errorf("mqtt: generate client id: %w", err)
	}
	return "stationlink-" + id, nil
}
