package cdr

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/arzzra/softswitch/pkg/metrics"
)

// AMQPConfig — параметры подключения к брокеру
type AMQPConfig struct {
	URL       string
	QueueName string
	// ReconnectDelay — пауза между попытками переподключения
	ReconnectDelay time.Duration
	// Fallback принимает записи, пока брокер недоступен; записи
	// не теряются, даже если публикация не удалась
	Fallback Sink
	Logger   *logrus.Entry
}

var ErrSinkClosed = errors.New("cdr sink closed")

// AMQPSink публикует CDR в очередь брокера в JSON. Соединение
// восстанавливается в фоне; на время простоя записи уходят в fallback.
type AMQPSink struct {
	config AMQPConfig
	log    *logrus.Entry

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewAMQPSink создает sink и пытается подключиться. Ошибка подключения
// не фатальна: публикации пойдут в fallback до восстановления связи.
func NewAMQPSink(config AMQPConfig) *AMQPSink {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.Fallback == nil {
		config.Fallback = NewMemorySink()
	}

	s := &AMQPSink{
		config: config,
		log:    config.Logger.WithField("component", "cdr_amqp"),
	}
	if err := s.connect(); err != nil {
		s.log.WithError(err).Error("initial AMQP connection failed, will retry on publish")
	}
	return s
}

// Publish отправляет запись в очередь; при недоступном брокере запись
// уходит в fallback, счет записей не теряется.
func (s *AMQPSink) Publish(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	if s.channel == nil {
		if err := s.connectLocked(); err != nil {
			s.log.WithError(err).WithField("call_id", r.CallID).Warn("AMQP unavailable, CDR to fallback sink")
			return s.config.Fallback.Publish(r)
		}
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal cdr: %w", err)
	}

	err = s.channel.Publish(
		"",                  // exchange
		s.config.QueueName,  // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		// Канал умер: сбрасываем его и спасаем запись в fallback
		s.dropConnLocked()
		s.log.WithError(err).WithField("call_id", r.CallID).Warn("AMQP publish failed, CDR to fallback sink")
		return s.config.Fallback.Publish(r)
	}

	metrics.CDRPublished.WithLabelValues(r.Disposition).Inc()
	s.log.WithField("call_id", r.CallID).Debug("CDR published")
	return nil
}

// Close закрывает соединение с брокером
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.dropConnLocked()
	return s.config.Fallback.Close()
}

func (s *AMQPSink) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *AMQPSink) connectLocked() error {
	conn, err := amqp.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		s.config.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", s.config.QueueName, err)
	}

	s.conn = conn
	s.channel = channel
	s.log.Info("connected to AMQP broker")
	return nil
}

func (s *AMQPSink) dropConnLocked() {
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
