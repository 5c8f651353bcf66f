package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTBridge relays msgpack-encoded events over an MQTT topic.
type MQTTBridge struct {
	client mqtt.Client
	topic  string
	codec  Codec
}

func NewMQTTBridge(broker, topic, clientID string) (*MQTTBridge, error) {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &MQTTBridge{client: client, topic: topic, codec: MsgpackCodec{}}, nil
}

func (b *MQTTBridge) Name() string { return "mqtt" }

func (b *MQTTBridge) Send(ctx context.Context, ev Event) error {
	payload, err := b.codec.Marshal(ev)
	if err != nil {
		return err
	}
	token := b.client.Publish(b.topic, 1, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (b *MQTTBridge) Listen(ctx context.Context, deliver func(Event)) error {
	token := b.client.Subscribe(b.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var ev Event
		if err := b.codec.Unmarshal(msg.Payload(), &ev); err != nil {
			return
		}
		deliver(ev)
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	<-ctx.Done()
	b.client.Unsubscribe(b.topic).WaitTimeout(2 * time.Second)
	return ctx.Err()
}

func (b *MQTTBridge) Close() error {
	b.client.Disconnect(250)
	return nil
}
