package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"doccollab/backend/internal/metrics"
)

// EventSink 接收提交事件；Sequencer 持有排序权时调用，不能阻塞
type EventSink interface {
	TryEnqueue(evt DocOpEvent) bool
}

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 提交路径只负责入队；kafka 短暂不可用时靠队列吸收，队列满就丢弃（事件流不要求强一致）。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan DocOpEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log     zerolog.Logger
	metrics *metrics.Metrics

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		log:         opt.Logger.With().Str("component", "kafka").Logger(),
		metrics:     opt.Metrics,
		done:        make(chan struct{}),
	}
	d.start()
	return d
}

// TryEnqueue 不等待，队列满直接丢弃
func (d *KafkaDispatcher) TryEnqueue(evt DocOpEvent) bool {
	select {
	case d.queue <- evt:
		return true
	default:
		d.metrics.KafkaEvent("dropped")
		d.log.Warn().Str("doc", evt.DocID).Uint64("version", evt.Version).Msg("kafka queue full, drop event")
		return false
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收，把队列里剩下的事件尽量发完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 可以一直等，不影响提交路径
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			d.metrics.KafkaEvent("sent")
			return
		}
		if attempt == d.maxRetry {
			d.metrics.KafkaEvent("failed")
			d.log.Error().Err(err).
				Str("doc", evt.DocID).
				Str("op", evt.OperationID).
				Uint64("version", evt.Version).
				Int("worker", workerID).
				Msg("kafka send failed, drop event")
			return
		}

		// 指数退避，关闭中就不再等
		backoff := d.baseBackoff << attempt
		if backoff > d.maxBackoff || backoff <= 0 {
			backoff = d.maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-d.done:
		}
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
