package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	flushTimeout   = 3 * time.Second
	queueSize      = 256
)

// NewClient connects to broker and keeps reconnecting in the background.
func NewClient(broker, clientID string) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
	})

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out after %s", broker, connectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}

	log.Info().Str("broker", broker).Str("client_id", clientID).Msg("MQTT connected")
	return client, nil
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type channelMessage struct {
	State    string    `json:"state"`
	Value    int       `json:"value"`
	Previous int       `json:"previous"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

type valveMessage struct {
	Open bool      `json:"open"`
	At   time.Time `json:"at"`
}

type outgoing struct {
	topic   string
	payload []byte
}

// Publisher mirrors relay channel and valve state to retained topics. Messages are
// queued and sent in order by one background worker, so observers never wait on
// the broker.
type Publisher struct {
	client publisher
	prefix string
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan outgoing
	done   chan struct{}
}

func NewPublisher(client publisher, prefix string) *Publisher {
	p := &Publisher{
		client: client,
		prefix: prefix,
		now:    time.Now,
		queue:  make(chan outgoing, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) ChannelTopic(device string, channel int) string {
	return fmt.Sprintf("%s/%s/relay/%d", p.prefix, device, channel)
}

func (p *Publisher) ValveTopic(name string) string {
	return fmt.Sprintf("%s/valves/%s", p.prefix, name)
}

func (p *Publisher) ObserveChange(c model.ChannelChange) {
	p.enqueue(p.ChannelTopic(c.Device, c.Channel), channelMessage{
		State:    c.Current.String(),
		Value:    int(c.Current),
		Previous: int(c.Previous),
		Source:   c.Source,
		At:       c.At,
	})
}

func (p *Publisher) ObserveValve(name string, open bool) {
	p.enqueue(p.ValveTopic(name), valveMessage{Open: open, At: p.now()})
}

// Close stops accepting messages and waits up to flushTimeout for the queue to drain.
func (p *Publisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(flushTimeout):
		log.Warn().Int("pending", len(p.queue)).Msg("Gave up flushing MQTT messages")
	}
}

func (p *Publisher) enqueue(topic string, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to encode MQTT message")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		log.Warn().Str("topic", topic).Msg("MQTT publisher closed, message dropped")
		return
	}
	select {
	case p.queue <- outgoing{topic: topic, payload: payload}:
	default:
		log.Warn().Str("topic", topic).Msg("MQTT queue full, message dropped")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for m := range p.queue {
		p.publish(m)
	}
}

func (p *Publisher) publish(m outgoing) {
	tok := p.client.Publish(m.topic, 1, true, m.payload)
	if !tok.WaitTimeout(publishTimeout) {
		log.Warn().Str("topic", m.topic).Msg("MQTT publish timed out")
		return
	}
	if err := tok.Error(); err != nil {
		log.Warn().Err(err).Str("topic", m.topic).Msg("Failed to publish MQTT message")
		return
	}
	log.Debug().Str("topic", m.topic).Msg("Published MQTT message")
}
