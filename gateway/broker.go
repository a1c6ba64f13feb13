package gateway

import (
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
)

// Message is one inbound publication
type Message struct {
	Topic   string
	Payload []byte
}

// MessageHandler receives messages of a subscription
type MessageHandler func(Message)

// Broker is the publish/subscribe connection the gateway lives on
type Broker interface {
	// Connect opens the connection.  onConnect is called after every
	// successful connect, including automatic reconnects; subscriptions are
	// expected to be made from it.
	Connect(onConnect func()) error

	Subscribe(topic string, qos byte, h MessageHandler) error

	Publish(topic string, qos byte, payload []byte) error

	Disconnect()
}

// PahoBroker is a Broker backed by an MQTT client
type PahoBroker struct {
	Cfg config.MQTT

	// PublishTimeout bounds the wait for a publication to be handed off
	PublishTimeout time.Duration

	Logger *log.Logger

	client mqtt.Client
}

// NewPahoBroker returns an unconnected broker for cfg.  If logger is nil,
// one writing to stderr is used.
func NewPahoBroker(cfg config.MQTT, logger *log.Logger) *PahoBroker {
	if logger == nil {
		logger = log.New(os.Stderr, "[mqtt] ", log.LstdFlags)
	}
	return &PahoBroker{Cfg: cfg, PublishTimeout: 5 * time.Second, Logger: logger}
}

// Connect dials the broker and keeps reconnecting for as long as the
// process lives.  The first attempt is retried too, so the gateway can start
// before the broker does.
func (b *PahoBroker) Connect(onConnect func()) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.Cfg.BrokerURL()).
		SetClientID(b.Cfg.ClientID).
		SetUsername(b.Cfg.Username).
		SetPassword(b.Cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			b.Logger.Printf("connected to %s", b.Cfg.BrokerURL())
			onConnect()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.Logger.Printf("connection to %s lost: %v", b.Cfg.BrokerURL(), err)
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			b.Logger.Println("reconnecting")
		})
	b.client = mqtt.NewClient(opts)
	tok := b.client.Connect()
	// with ConnectRetry the token only completes once connected, so do not
	// wait on it forever
	if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
		return fault.Wrap(fault.ConnectionFailure, "gateway.Connect", b.Cfg.BrokerURL(), tok.Error())
	}
	return nil
}

// Subscribe registers h for topic
func (b *PahoBroker) Subscribe(topic string, qos byte, h MessageHandler) error {
	if b.client == nil {
		return fault.New(fault.ConnectionFailure, "gateway.Subscribe", "not connected")
	}
	tok := b.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		h(Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if !tok.WaitTimeout(b.PublishTimeout) {
		return fault.New(fault.ProtocolTimeout, "gateway.Subscribe", topic)
	}
	return tok.Error()
}

// Publish sends payload, not retained
func (b *PahoBroker) Publish(topic string, qos byte, payload []byte) error {
	if b.client == nil {
		return fault.New(fault.ConnectionFailure, "gateway.Publish", "not connected")
	}
	tok := b.client.Publish(topic, qos, false, payload)
	if !tok.WaitTimeout(b.PublishTimeout) {
		return fault.New(fault.ProtocolTimeout, "gateway.Publish", fmt.Sprintf("%s after %v", topic, b.PublishTimeout))
	}
	return tok.Error()
}

// Disconnect closes the connection, allowing a moment for in-flight work
func (b *PahoBroker) Disconnect() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}
