package broker

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/queue"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// attemptHeader carries the redelivery count across re-publishes.
const attemptHeader = "x-attempt"

// KafkaProducerClient takes values from inputChan, marshals them and
// sends them to kafka in batches. After shutdown, the loop continues
// until the channel runs out of values.
type KafkaProducerClient[T any] struct {
	inputChan <-chan T
	topic     string
	keyFn     func(T) string
	cfg       *config.ProducerConfig
	log       *slog.Logger
	wg        *sync.WaitGroup
}

func NewKafkaProducer[T any](inputChan <-chan T, topic string, keyFn func(T) string,
	cfg *config.ProducerConfig, log *slog.Logger, wg *sync.WaitGroup) *KafkaProducerClient[T] {
	return &KafkaProducerClient[T]{
		inputChan: inputChan,
		topic:     topic,
		keyFn:     keyFn,
		cfg:       cfg,
		log:       log,
		wg:        wg,
	}
}

func (p *KafkaProducerClient[T]) Run() {
	defer p.wg.Done()
	p.log.Info("starting kafka producer...", slog.String("topic", p.topic))

	w := kafka.Writer{
		Addr:         kafka.TCP(strings.Split(p.cfg.Addr, ",")...),
		Topic:        p.topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  p.cfg.MaxAttempts,
		BatchSize:    1,                // the parameter is controlled by 'batchTicker' variable
		BatchTimeout: time.Millisecond, // the parameter is controlled by 'batch' variable
		ReadTimeout:  p.cfg.ReadTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAsks),
		Async:        p.cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	defer func() {
		err := w.Close()
		if err != nil {
			p.log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	writeMessage := func(batch []kafka.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		err := w.WriteMessages(ctx, batch...)
		if err != nil {
			p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			return
		}
		p.log.Debug("successfully sent messages to kafka.", slog.Int("batch length", len(batch)))
	}

	for v := range p.inputChan {
		body, err := json.Marshal(v)
		if err != nil {
			p.log.Error("marshaling error.", slog.String("err", err.Error()))
			continue
		}
		batch = append(batch, kafka.Message{
			Key:   []byte(p.keyFn(v)),
			Value: body,
		})
		select {
		case <-batchTicker.C:
			writeMessage(batch)
			batch = batch[:0]
		default:
			if len(batch) >= p.cfg.BatchSize {
				writeMessage(batch)
				batch = batch[:0]
			}
		}
	}
	// Some messages may remain in the batch after inputChan is closed
	if len(batch) > 0 {
		p.log.Debug("messages in batch.", slog.Int("count", len(batch)))
		writeMessage(batch)
	}
	p.log.Info("stopping kafka writer.", slog.String("topic", p.topic))
}

// KafkaConsumerClient reads messages from one topic and hands them to
// msgChan wrapped in an ack/nack envelope. Ack commits the offset.
// Nack re-publishes the message to the same topic with an incremented
// attempt header and then commits the old offset; after
// max_redeliveries the message is dropped and logged. Kafka cannot
// skip a single offset within a partition, so bounded re-publish is
// how at-least-once redelivery is kept without stalling the group.
type KafkaConsumerClient struct {
	msgChan chan<- *queue.Message
	topic   string
	source  string
	cfg     *config.ConsumerConfig
	log     *slog.Logger
	wg      *sync.WaitGroup
}

func NewKafkaConsumer(msgChan chan<- *queue.Message, topic string, source string,
	cfg *config.ConsumerConfig, log *slog.Logger, wg *sync.WaitGroup) *KafkaConsumerClient {
	return &KafkaConsumerClient{
		msgChan: msgChan,
		topic:   topic,
		source:  source,
		cfg:     cfg,
		log:     log,
		wg:      wg,
	}
}

func (c *KafkaConsumerClient) Run(ctx context.Context) {
	c.log.Info("starting kafka consumer.", slog.String("topic", c.topic))
	defer c.wg.Done()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          strings.Split(c.cfg.Brokers, ","),
		Topic:            c.topic,
		GroupID:          c.cfg.GroupID,
		MaxWait:          c.cfg.MaxWait,
		ReadBatchTimeout: c.cfg.ReadBatchTimeout,
	})
	redeliveryWriter := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(c.cfg.Brokers, ",")...),
		Topic:        c.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer func() {
		if err := redeliveryWriter.Close(); err != nil {
			c.log.Error("failed to close redelivery writer.", slog.String("err", err.Error()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("stopping kafka reader.", slog.String("topic", c.topic))
			err := r.Close()
			if err != nil {
				c.log.Error("failed to close kafka reader.", slog.String("err", err.Error()))
			}
			return
		default:
			m, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Error("failed to read message from kafka.", slog.String("err", err.Error()))
				}
				continue
			}
			c.log.Debug("successfully read message from kafka.", slog.String("topic", c.topic))

			msg := m
			ack := func() error {
				return r.CommitMessages(context.Background(), msg)
			}
			nack := func() {
				c.redeliver(r, redeliveryWriter, msg)
			}
			c.msgChan <- queue.NewMessage(c.source, m.Value, ack, nack)
		}
	}
}

func (c *KafkaConsumerClient) redeliver(r *kafka.Reader, w *kafka.Writer, m kafka.Message) {
	attempt := redeliveryAttempt(m) + 1
	if attempt > c.cfg.MaxRedeliveries {
		c.log.Error("redeliveries exhausted. dropping message.", slog.String("topic", c.topic),
			slog.Int("attempt", attempt), slog.String("key", string(m.Key)))
	} else {
		headers := []kafka.Header{{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))}}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MaxWait)
		defer cancel()
		err := w.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value, Headers: headers})
		if err != nil {
			// The offset stays uncommitted; the group rebalance redelivers the original.
			c.log.Error("failed to re-publish message.", slog.String("err", err.Error()))
			return
		}
		c.log.Warn("message re-published for redelivery.", slog.String("topic", c.topic),
			slog.Int("attempt", attempt))
	}
	if err := r.CommitMessages(context.Background(), m); err != nil {
		c.log.Error("failed to commit redelivered message.", slog.String("err", err.Error()))
	}
}

func redeliveryAttempt(m kafka.Message) int {
	for _, h := range m.Headers {
		if h.Key == attemptHeader {
			n, err := strconv.Atoi(string(h.Value))
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
