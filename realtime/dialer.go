package realtime

import (
	"fmt"

	"go.uber.org/zap"

	"ordertrack/config"
)

// NewDialer returns the transport selected by cfg.Backend.
func NewDialer(cfg config.RealtimeConfig, logger *zap.Logger) (Dialer, error) {
	switch cfg.Backend {
	case "", "websocket":
		return NewWebSocketDialer(logger), nil
	case "mqtt":
		return NewMQTTDialer(cfg.MQTT, logger), nil
	case "kafka":
		return NewKafkaDialer(cfg.Kafka, logger), nil
	default:
		return nil, fmt.Errorf("unknown realtime backend: %s", cfg.Backend)
	}
}

// OptionsFrom maps the realtime config onto Channel options.
func OptionsFrom(cfg config.RealtimeConfig) Options {
	return Options{
		URL:            cfg.URL,
		Channel:        cfg.Channel,
		PingInterval:   cfg.PingInterval,
		ReconnectDelay: cfg.ReconnectDelay,
	}
}
