package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ordertrack/config"
	"ordertrack/logging"
)

// Broker sockets bridge the subscribe/ping protocol onto a message broker:
// a subscribe frame becomes a broker subscription answered by a synthesized
// acknowledgement, pings are answered locally and every broker message is
// delivered as a broadcast on the subscribed channel.

// brokerSocket holds the handler plumbing shared by the MQTT and Kafka sockets.
type brokerSocket struct {
	h   Handlers
	log *zap.Logger

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (b *brokerSocket) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// markClosed returns false if the socket was already closed.
func (b *brokerSocket) markClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	return true
}

func (b *brokerSocket) deliver(frame []byte) {
	if b.isClosed() || b.h.OnMessage == nil {
		return
	}
	b.h.OnMessage(frame)
}

func (b *brokerSocket) fireOpen() {
	if b.isClosed() || b.h.OnOpen == nil {
		return
	}
	b.h.OnOpen()
}

func (b *brokerSocket) fireClose(err error) {
	if b.isClosed() {
		return
	}
	b.once.Do(func() {
		if b.h.OnClose != nil {
			b.h.OnClose(err)
		}
	})
}

// handleOutbound answers the client protocol frames. subscribe is called for
// subscribe frames and must establish the broker subscription.
func (b *brokerSocket) handleOutbound(data []byte, subscribe func(channel string) error) error {
	if b.isClosed() {
		return errors.New("broker: send on closed socket")
	}
	f, err := decodeOutbound(data)
	if err != nil {
		return err
	}
	switch f.Type {
	case TypeSubscribe:
		if err := subscribe(f.Channel); err != nil {
			return err
		}
		go b.deliver(subscribedFrame(f.Channel))
	case TypePing:
		go b.deliver(pongFrame())
	default:
		b.log.Debug("broker: ignoring outbound frame", zap.String("type", f.Type))
	}
	return nil
}

// --- MQTT ---

// MQTTDialer connects to an MQTT broker and maps channels onto
// <prefix>/<channel> topics.
type MQTTDialer struct {
	cfg config.MQTTConfig
	log *zap.Logger
}

// NewMQTTDialer creates an MQTT dialer.
func NewMQTTDialer(cfg config.MQTTConfig, logger *zap.Logger) *MQTTDialer {
	return &MQTTDialer{cfg: cfg, log: logging.OrNop(logger)}
}

func (d *MQTTDialer) topic(channel string) string {
	prefix := strings.TrimSuffix(d.cfg.TopicPrefix, "/")
	if prefix == "" {
		return channel
	}
	return prefix + "/" + channel
}

// Dial ignores url; the broker address comes from the MQTT config.
func (d *MQTTDialer) Dial(_ string, h Handlers) Socket {
	s := &mqttSocket{
		brokerSocket: brokerSocket{h: h, log: d.log},
		dialer:       d,
	}

	clientID := d.cfg.ClientID
	if clientID == "" {
		clientID = "ordertrack-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", d.cfg.Broker, d.cfg.Port)).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.fireClose(fmt.Errorf("mqtt connection lost: %w", err))
		})
	s.client = mqtt.NewClient(opts)

	go s.connect()
	return s
}

type mqttSocket struct {
	brokerSocket
	dialer *MQTTDialer
	client mqtt.Client
}

func (s *mqttSocket) connect() {
	token := s.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		s.fireClose(fmt.Errorf("mqtt connect: %w", err))
		return
	}
	if s.isClosed() {
		s.client.Disconnect(250)
		return
	}
	s.fireOpen()
}

func (s *mqttSocket) Send(frame []byte) error {
	return s.handleOutbound(frame, func(channel string) error {
		topic := s.dialer.topic(channel)
		token := s.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			s.deliver(messageFrame(channel, msg.Payload()))
		})
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
		return nil
	})
}

func (s *mqttSocket) Close() error {
	if !s.markClosed() {
		return nil
	}
	// Disconnect waits for in-flight handlers; callers may hold locks.
	go s.client.Disconnect(250)
	return nil
}

// --- Kafka ---

// KafkaDialer consumes a topic named after the channel. Every socket joins
// its own consumer group so each client sees every update.
type KafkaDialer struct {
	cfg config.KafkaConfig
	log *zap.Logger
}

// NewKafkaDialer creates a Kafka dialer.
func NewKafkaDialer(cfg config.KafkaConfig, logger *zap.Logger) *KafkaDialer {
	return &KafkaDialer{cfg: cfg, log: logging.OrNop(logger)}
}

// Dial ignores url; the brokers come from the Kafka config. The socket is
// considered open as soon as it is created since kafka-go connects lazily.
func (d *KafkaDialer) Dial(_ string, h Handlers) Socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &kafkaSocket{
		brokerSocket: brokerSocket{h: h, log: d.log},
		dialer:       d,
		ctx:          ctx,
		cancel:       cancel,
	}
	go s.fireOpen()
	return s
}

type kafkaSocket struct {
	brokerSocket
	dialer *KafkaDialer
	ctx    context.Context
	cancel context.CancelFunc

	readerMu sync.Mutex
	reader   *kafkago.Reader
}

func (s *kafkaSocket) groupID() string {
	if s.dialer.cfg.GroupID != "" {
		return s.dialer.cfg.GroupID + "-" + uuid.NewString()
	}
	return "ordertrack-" + uuid.NewString()
}

func (s *kafkaSocket) Send(frame []byte) error {
	return s.handleOutbound(frame, func(channel string) error {
		if len(s.dialer.cfg.Brokers) == 0 {
			return errors.New("kafka: no brokers configured")
		}
		s.readerMu.Lock()
		defer s.readerMu.Unlock()
		if s.reader != nil {
			return nil
		}
		s.reader = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     s.dialer.cfg.Brokers,
			Topic:       channel,
			GroupID:     s.groupID(),
			StartOffset: kafkago.LastOffset,
		})
		go s.consume(channel, s.reader)
		return nil
	})
}

func (s *kafkaSocket) consume(channel string, r *kafkago.Reader) {
	for {
		msg, err := r.ReadMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fireClose(fmt.Errorf("kafka read: %w", err))
			return
		}
		s.deliver(messageFrame(channel, msg.Value))
	}
}

func (s *kafkaSocket) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.cancel()
	s.readerMu.Lock()
	r := s.reader
	s.readerMu.Unlock()
	if r != nil {
		// Leaving the consumer group can take a broker round trip.
		go func() {
			if err := r.Close(); err != nil {
				s.log.Debug("kafka reader close", zap.Error(err))
			}
		}()
	}
	return nil
}
