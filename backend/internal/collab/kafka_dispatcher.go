package collab

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 已提交的 ChangeEvent 除了推给在线客户端，还写一份到 Kafka，供其他服务（审计、统计）消费。
// - 不阻塞提交流程（Enqueue 只负责入队）
// - Kafka 短暂不可用时靠队列吸收，后台补发
// - 队列满时允许丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan ChangeEvent
	wg    sync.WaitGroup
	once  sync.Once

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sleep       func(time.Duration)
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan ChangeEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		sleep:       time.Sleep,
	}

	d.Start()
	return d
}

// Enqueue 把事件放入本地队列。队列满时等到 ctx 超时为止，
// 超时返回错误（Kafka 这一路不要求每条都送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt ChangeEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列里剩余事件处理完。Close 之后不能再 Enqueue。
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() {
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

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt ChangeEvent) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = d.sendLimited(evt); err == nil {
			return
		}
		if attempt >= d.maxRetry {
			break
		}
		d.sleep(kafkaBackoff(d.baseBackoff, d.maxBackoff, attempt))
	}
	log.Printf("kafka: give up event id=%s doc=%s entity=%s/%s v%d worker=%d after %d attempts: %v",
		evt.ID, evt.DocumentID, evt.EntityType, evt.EntityID, evt.Version, workerID, d.maxRetry+1, err)
}

// sendLimited 占一个并发名额发送；worker 可以一直等名额，不影响提交链路
func (d *KafkaDispatcher) sendLimited(evt ChangeEvent) error {
	if d.sem == nil {
		return d.sendOnce(evt)
	}
	if err := d.sem.Acquire(context.Background()); err != nil {
		return err
	}
	defer d.sem.Release()
	return d.sendOnce(evt)
}

// 每次退避时间 x2，不超过 max（max 为 0 时不超过 time.Duration 上限）
func kafkaBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 0; i < attempt; i++ {
		if max > 0 && backoff >= max {
			break
		}
		if backoff > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		backoff *= 2
	}
	if max > 0 && backoff > max {
		backoff = max
	}
	return backoff
}

func (d *KafkaDispatcher) sendOnce(evt ChangeEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 以 documentId 做 key，同一文档的事件落在同一分区，保持顺序
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
