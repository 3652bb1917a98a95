package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/meters/meters"
)

const publishTimeout = 5 * time.Second

// MQTT publishes every reading, retained, to <topic>/<location>.
type MQTT struct {
	client mqtt.Client
	topic  string
}

func NewMQTT(client mqtt.Client, topic string) *MQTT {
	return &MQTT{client: client, topic: strings.TrimSuffix(topic, "/")}
}

// ConnectMQTT connects to broker (e.g. tcp://localhost:1883) and waits for the first connection.
func ConnectMQTT(ctx context.Context, broker string, clientID string, topic string) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.WithField("broker", broker).Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithField("broker", broker).Warnf("mqtt connection lost: %s", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		if ctx.Err() != nil {
			client.Disconnect(0)
			return nil, ctx.Err()
		}
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt connect to %s", broker)
	}
	return NewMQTT(client, topic), nil
}

func (sink *MQTT) Name() string {
	return "mqtt"
}

func (sink *MQTT) Topic(location string) string {
	return fmt.Sprintf("%s/%s", sink.topic, location)
}

func (sink *MQTT) Publish(_ context.Context, reading meters.Reading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return errors.Wrap(err, "marshal reading")
	}

	topic := sink.Topic(reading.Location)
	token := sink.client.Publish(topic, 1, true, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish timeout for topic %s", topic)
	}
	return errors.Wrapf(token.Error(), "publish to %s", topic)
}

func (sink *MQTT) Close() {
	sink.client.Disconnect(250)
}
