package mode

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/emitter"
	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

var ErrNoBroker = errors.New("monitor needs an mqtt broker")

// presenceBoard tracks the last value seen on every presence topic.
type presenceBoard struct {
	prefix string

	mu    sync.Mutex
	state map[string]string
}

func newPresenceBoard(prefix string) *presenceBoard {
	return &presenceBoard{
		prefix: prefix,
		state:  map[string]string{},
	}
}

// onMessage logs presence changes and full detection arrays published by a
// manager under the board's prefix.
func (b *presenceBoard) onMessage(_ mqtt.Client, msg mqtt.Message) {
	rest := strings.TrimPrefix(strings.TrimPrefix(msg.Topic(), b.prefix), "/")

	if rest == emitter.FullDetectionTopic {
		var detections []json.RawMessage
		if err := json.Unmarshal(msg.Payload(), &detections); err != nil {
			lgr.Logger.Warn("unreadable detection array", slog.Any("error", err))
			return
		}
		lgr.Logger.Debug("detections received", slog.Int("count", len(detections)))
		return
	}

	source, class, ok := strings.Cut(rest, "/")
	if !ok {
		return
	}

	value := string(msg.Payload())
	b.mu.Lock()
	previous, seen := b.state[rest]
	b.state[rest] = value
	b.mu.Unlock()

	if seen && previous == value {
		return
	}
	lgr.Logger.Info("presence changed",
		slog.String("source", source),
		slog.String("class", class),
		slog.Bool("present", value == "1"),
	)
}

// Present returns the classes currently reported present, as source.class.
func (b *presenceBoard) Present() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for key, v := range b.state {
		if v == "1" {
			out = append(out, strings.Replace(key, "/", ".", 1))
		}
	}
	return out
}

// Monitor subscribes to everything a manager publishes on the configured
// prefix and logs presence transitions until the context is cancelled.
func Monitor(canxCtx context.Context, svcs Services) error {
	cfgSvc := svcs.CfgSvc
	m := cfgSvc.GetMQTT()
	if !m.Enabled() {
		return ErrNoBroker
	}

	params := emitter.MQTTParameters{
		Broker:   m.Broker,
		Username: m.Username,
		Password: m.Password,
	}
	opts, err := emitter.NewMQTTClientOptions(params)
	if err != nil {
		return err
	}

	board := newPresenceBoard(m.TopicPrefix)
	topic := m.TopicPrefix + "/#"
	// Resubscribe after every reconnect, the session is clean.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(topic, m.QoS, board.onMessage)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			lgr.Logger.Error("unable to subscribe",
				slog.String("topic", topic),
				slog.Any("error", token.Error()),
			)
		}
	})

	client := svcs.mqttClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// Connect retry is on, the subscription happens once the broker answers.
		lgr.Logger.Warn("mqtt broker not reachable yet", slog.String("broker", m.Broker))
	} else if err := token.Error(); err != nil {
		procError(svcs.DataSvc, model.GenError("monitor", err, map[string]interface{}{"broker": m.Broker}, "unable to connect"))
		return xerrors.Errorf("connecting to %s: %w", m.Broker, err)
	}

	lgr.Logger.Info("monitor starting....", slog.String("topic", topic))

	ticker := time.NewTicker(time.Duration(cfgSvc.GetStatsPeriodicTimeout()) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"monitor context cancelled",
			)
			client.Disconnect(250)
			return nil

		case <-ticker.C:
			lgr.Logger.Info("currently present", slog.Any("detections", board.Present()))
		}
	}
}
