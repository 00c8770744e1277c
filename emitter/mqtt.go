package emitter

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

var ErrMQTTNotConnected = errors.New("mqtt not connected")

const (
	FullDetectionTopic = "full_detection_array"

	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = 4 * time.Second
)

type MQTTParameters struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	QoS         byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTT publishes every batch twice: the positive detections as one JSON array
// on <prefix>/full_detection_array, and a "1"/"0" presence flag per class on
// <prefix>/<source>/<class>. A class is reported "0" once, on the first batch
// after it disappears.
type MQTT struct {
	params MQTTParameters
	client mqtt.Client

	mu       sync.Mutex
	presence map[string]map[string]int
}

func NewMQTT(params MQTTParameters) (*MQTT, error) {
	opts, err := NewMQTTClientOptions(params)
	if err != nil {
		return nil, err
	}
	return NewMQTTWithClient(params, mqtt.NewClient(opts)), nil
}

// NewMQTTClientOptions validates the broker and builds auto-reconnecting
// client options. A random client id is used when none is configured.
func NewMQTTClientOptions(params MQTTParameters) (*mqtt.ClientOptions, error) {
	u, err := url.Parse(params.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, xerrors.Errorf("invalid mqtt broker %q", params.Broker)
	}

	if params.ClientID == "" {
		params.ClientID = "vs-detect-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(params.Broker)
	opts.SetClientID(params.ClientID)
	opts.SetKeepAlive(20 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if params.Username != "" {
		opts.SetUsername(params.Username)
		opts.SetPassword(params.Password)
	}

	opts.OnConnect = func(mqtt.Client) {
		lgr.Logger.Info(
			"mqtt connection established",
			slog.String("broker", params.Broker),
			slog.String("clientID", params.ClientID),
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		lgr.Logger.Warn(
			"mqtt connection lost, will auto-reconnect",
			slog.String("broker", params.Broker),
			slog.Any("error", err),
		)
	}
	return opts, nil
}

func NewMQTTWithClient(params MQTTParameters, client mqtt.Client) *MQTT {
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = defaultConnectTimeout
	}
	if params.PublishTimeout <= 0 {
		params.PublishTimeout = defaultPublishTimeout
	}

	return &MQTT{
		params:   params,
		client:   client,
		presence: map[string]map[string]int{},
	}
}

func (e *MQTT) Name() string {
	return "mqtt"
}

// Connect waits for the broker connection. With connect-retry enabled the
// client keeps trying in the background after a timeout.
func (e *MQTT) Connect(ctx context.Context) error {
	if e.client.IsConnected() {
		return nil
	}

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.params.ConnectTimeout):
		return xerrors.Errorf("connecting to %s: %w", e.params.Broker, ErrMQTTNotConnected)
	}

	if err := token.Error(); err != nil {
		return xerrors.Errorf("connecting to %s: %w", e.params.Broker, err)
	}
	return nil
}

func (e *MQTT) ProcessDetection(ctx context.Context, batch model.Batch) error {
	if len(batch) == 0 {
		return model.ErrEmptyBatch
	}

	if err := e.Connect(ctx); err != nil {
		return err
	}

	var errs []error

	payload, err := detectionsJSON(batch)
	if err != nil {
		errs = append(errs, xerrors.Errorf("encoding detections: %w", err))
	} else if payload != nil {
		topic := e.topic(FullDetectionTopic)
		if err := e.publish(topic, payload); err != nil {
			errs = append(errs, err)
		} else {
			lgr.Logger.Debug("published detections", slog.String("topic", topic))
		}
	}

	source := batch.Source()
	status := e.updatePresence(source, batch)

	classes := make([]string, 0, len(status))
	for class := range status {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	for _, class := range classes {
		value := "0"
		if status[class] > 0 {
			value = "1"
		}
		if err := e.publish(e.topic(source, class), value); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// PresenceState returns the classes currently considered present for source.
func (e *MQTT) PresenceState(source string) map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]int, len(e.presence[source]))
	for class, v := range e.presence[source] {
		out[class] = v
	}
	return out
}

func (e *MQTT) Close() error {
	if e.client.IsConnected() {
		e.client.Disconnect(250)
		lgr.Logger.Info("mqtt disconnected")
	}
	return nil
}

// updatePresence marks every previously present class absent, marks the
// batch's classes present and stores only the present ones. It returns the
// full status to publish.
func (e *MQTT) updatePresence(source string, batch model.Batch) map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]int{}
	for class := range e.presence[source] {
		status[class] = 0
	}
	for _, d := range batch.Positives() {
		status[d.Class] = 1
	}

	present := map[string]int{}
	for class, v := range status {
		if v > 0 {
			present[class] = v
		}
	}
	e.presence[source] = present

	return status
}

func (e *MQTT) publish(topic string, payload interface{}) error {
	token := e.client.Publish(topic, e.params.QoS, false, payload)
	if !token.WaitTimeout(e.params.PublishTimeout) {
		return xerrors.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return xerrors.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (e *MQTT) topic(parts ...string) string {
	topic := e.params.TopicPrefix
	for _, p := range parts {
		if topic == "" {
			topic = p
			continue
		}
		topic += "/" + p
	}
	return topic
}
