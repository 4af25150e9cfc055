// Package telemetry republishes dispatcher events to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/rs/zerolog"
)

const (
	qos          byte = 0
	retryDelay        = 5 * time.Second
	publishWait       = 5 * time.Second
	clientPrefix      = "airbrush-"
)

// Publisher sends one message.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Dial connects to broker, retrying until ctx is done. An empty clientID gets a
// random one.
func Dial(ctx context.Context, broker, clientID string, log zerolog.Logger) (mqtt.Client, error) {
	if clientID == "" {
		clientID = clientPrefix + uuid.NewString()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)

	for {
		client := mqtt.NewClient(opts)
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			log.Info().Str("broker", broker).Str("client", clientID).Msg("connected to mqtt broker")
			return client, nil
		}
		log.Warn().Err(token.Error()).Str("broker", broker).Msg("mqtt connect failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("mqtt connect %s: %w", broker, ctx.Err())
		case <-time.After(retryDelay):
		}
	}
}

// ClientPublisher publishes through a paho client without blocking the caller.
type ClientPublisher struct {
	Client mqtt.Client
	Log    zerolog.Logger
}

func (p ClientPublisher) Publish(topic string, retained bool, payload []byte) error {
	if !p.Client.IsConnected() {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	token := p.Client.Publish(topic, qos, retained, payload)
	go func() {
		if token.WaitTimeout(publishWait) && token.Error() != nil {
			p.Log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
	return nil
}

// Bridge maps events to topics under Prefix:
//
//	<prefix>/state   retained machine snapshot
//	<prefix>/events  acks, errors, pause changes
//	<prefix>/log     raw lines sent and received
type Bridge struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

func NewBridge(pub Publisher, prefix string, log zerolog.Logger) *Bridge {
	if prefix == "" {
		prefix = "airbrush"
	}
	return &Bridge{pub: pub, prefix: prefix, log: log}
}

// HandleEvent is a dispatcher event subscriber.
func (b *Bridge) HandleEvent(ev dispatch.Event) {
	var (
		topic    string
		payload  []byte
		err      error
		retained bool
	)
	switch e := ev.(type) {
	case dispatch.StateUpdatedEvent:
		topic, retained = "state", true
		payload, err = json.Marshal(e.State)
	case dispatch.SentEvent, dispatch.ReceivedEvent:
		topic = "log"
		payload, err = dispatch.MarshalEvent(ev)
	default:
		topic = "events"
		payload, err = dispatch.MarshalEvent(ev)
	}
	if err != nil {
		b.log.Error().Err(err).Str("event", ev.EventType()).Msg("encode event")
		return
	}

	err = b.pub.Publish(b.prefix+"/"+topic, retained, payload)
	if err != nil {
		b.log.Debug().Err(err).Msg("telemetry dropped")
	}
}
