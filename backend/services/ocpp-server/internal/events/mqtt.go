// Package events exports engine lifecycle events: to an MQTT broker for other systems, and to the
// Postgres frame log for auditing.
package events

import (
	"encoding/json"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// Publisher is the part of paho.Client used here.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTOptions configure topics and delivery.
type MQTTOptions struct {
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
}

// Message is the JSON body published for an event.
type Message struct {
	Event     string    `json:"event"`
	StationID string    `json:"stationId"`
	NodeID    string    `json:"nodeId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Action    string    `json:"action,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Remote    string    `json:"remoteAddr,omitempty"`
	At        time.Time `json:"at"`
}

// StatusMessage is published retained on {prefix}/{station}/status.
type StatusMessage struct {
	StationID string    `json:"stationId"`
	Online    bool      `json:"online"`
	NodeID    string    `json:"nodeId,omitempty"`
	At        time.Time `json:"at"`
}

// MQTTPublisher publishes connection lifecycle and request outcomes as
// {prefix}/{station}/events/{kind}. Frame-level events are not published.
type MQTTPublisher struct {
	client Publisher
	opts   MQTTOptions
	nodeID string
	logger *zap.Logger
}

// NewMQTTPublisher builds the observer.
func NewMQTTPublisher(client Publisher, opts MQTTOptions, nodeID string, logger *zap.Logger) *MQTTPublisher {
	opts.TopicPrefix = strings.TrimSuffix(opts.TopicPrefix, "/")
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "stationlink/stations"
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTPublisher{client: client, opts: opts, nodeID: nodeID, logger: logger}
}

// Observe implements ocpp.Observer.
func (p *MQTTPublisher) Observe(e ocpp.Event) {
	switch e.Kind {
	case ocpp.EventConnected, ocpp.EventDisconnected:
		p.publish(p.topic(e.StationID, "status"), true, StatusMessage{
			StationID: e.StationID,
			Online:    e.Kind == ocpp.EventConnected,
			NodeID:    p.nodeID,
			At:        e.At,
		})
	case ocpp.EventEvicted, ocpp.EventResponseReceived, ocpp.EventRequestTimedOut:
	default:
		return
	}

	p.publish(p.topic(e.StationID, "events/"+string(e.Kind)), false, Message{
		Event:     string(e.Kind),
		StationID: e.StationID,
		NodeID:    p.nodeID,
		RequestID: e.RequestID,
		Action:    e.Action,
		ErrorCode: string(e.ErrorCode),
		Remote:    e.RemoteAddr,
		At:        e.At,
	})
}

// MeterMessage is published on {prefix}/{station}/meter_values.
type MeterMessage struct {
	StationID     string                `json:"stationId"`
	ConnectorID   int                   `json:"connectorId"`
	TransactionID *int                  `json:"transactionId,omitempty"`
	MeterValue    []protocol.MeterValue `json:"meterValue"`
}

// PublishMeterValues forwards a MeterValues request.
func (p *MQTTPublisher) PublishMeterValues(stationID string, req protocol.MeterValuesRequest) {
	p.publish(p.topic(stationID, "meter_values"), false, MeterMessage{
		StationID:     stationID,
		ConnectorID:   req.ConnectorID,
		TransactionID: req.TransactionID,
		MeterValue:    req.MeterValue,
	})
}

func (p *MQTTPublisher) publish(topic string, retained bool, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("encode mqtt event failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	token := p.client.Publish(topic, p.opts.QoS, retained, payload)
	// Delivery is confirmed off the engine goroutine.
	go func() {
		if !token.WaitTimeout(p.opts.PublishTimeout) {
			p.logger.Warn("mqtt publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

func (p *MQTTPublisher) topic(stationID, suffix string) string {
	return p.opts.TopicPrefix + "/" + stationID + "/" + suffix
}
