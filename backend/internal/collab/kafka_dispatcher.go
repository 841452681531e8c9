package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

// KafkaDispatcher 把同步后已解决的操作异步写入 Kafka。
// 同步流程只负责入队，发送、重试、退避都在后台 worker 里完成；
// 事件流允许丢失，送不出去的事件记日志后丢弃。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	sem      *SemaphoreControl
	opt      KafkaDispatcherOptions

	queue chan OpResolvedEvent
	// Close 时取消，正在退避的 worker 不再等待
	abort  context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closing  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// 关闭时等待队列排空的最长时间，0 表示一直等
	DrainTimeout time.Duration
}

// DispatcherStats 是发送结果计数
type DispatcherStats struct {
	Sent    int64
	Dropped int64
}

// NewKafkaDispatcher 创建并启动 worker。producer 为 nil 或 topic 为空时事件直接视为已发送。
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions, logger *zap.Logger) *KafkaDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.QueueSize < 0 {
		opt.QueueSize = 0
	}
	if opt.MaxBackoff > 0 && opt.BaseBackoff > opt.MaxBackoff {
		opt.BaseBackoff = opt.MaxBackoff
	}
	abort, cancel := context.WithCancel(context.Background())
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		logger:   logger.With(zap.String("topic", topic)),
		sem:      sem,
		opt:      opt,
		queue:    make(chan OpResolvedEvent, opt.QueueSize),
		abort:    abort,
		cancel:   cancel,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.run(i)
	}
	return d
}

// Enqueue 入队一个事件；队列满时最多等到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt OpResolvedEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

// Close 停止接收新事件并等待 worker 把队列发完。
// 超过 DrainTimeout 后放弃重试，剩余事件计为丢弃。可以重复调用。
func (d *KafkaDispatcher) Close() {
	d.stopOnce.Do(func() {
		// 写锁保证没有 Enqueue 正在写 queue
		d.mu.Lock()
		d.closing = true
		close(d.queue)
		d.mu.Unlock()

		if d.opt.DrainTimeout > 0 {
			timer := time.AfterFunc(d.opt.DrainTimeout, d.cancel)
			defer timer.Stop()
		}
		d.wg.Wait()
		d.cancel()

		st := d.Stats()
		d.logger.Info("kafka dispatcher closed", zap.Int64("sent", st.Sent), zap.Int64("dropped", st.Dropped))
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) Stats() DispatcherStats {
	return DispatcherStats{Sent: d.sent.Load(), Dropped: d.dropped.Load()}
}

func (d *KafkaDispatcher) run(worker int) {
	defer d.wg.Done()
	for evt := range d.queue {
		if err := d.deliver(evt); err != nil {
			d.dropped.Add(1)
			d.logger.Warn("kafka send failed, drop event",
				zap.String("session", evt.SessionID),
				zap.String("op", evt.OperationID),
				zap.Int("worker", worker),
				zap.Error(err))
			continue
		}
		d.sent.Add(1)
	}
}

// deliver 最多尝试 MaxRetry+1 次，两次之间指数退避
func (d *KafkaDispatcher) deliver(evt OpResolvedEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		if lastErr = d.sendOnce(evt.SessionID, payload); lastErr == nil {
			return nil
		}
		if attempt >= d.opt.MaxRetry {
			return lastErr
		}
		select {
		case <-time.After(d.backoff(attempt)):
		case <-d.abort.Done():
			return errors.Join(lastErr, ErrDispatcherClosed)
		}
	}
}

func (d *KafkaDispatcher) backoff(attempt int) time.Duration {
	wait := d.opt.BaseBackoff << attempt
	if d.opt.MaxBackoff > 0 && (wait > d.opt.MaxBackoff || wait <= 0) {
		wait = d.opt.MaxBackoff
	}
	return wait
}

func (d *KafkaDispatcher) sendOnce(sessionID string, payload []byte) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	if d.sem != nil {
		// 只在关闭超时后才会放弃等待
		if err := d.sem.Acquire(d.abort); err != nil {
			return err
		}
		defer func() { _ = d.sem.Release() }()
	}
	// 同一会话的事件用 sessionId 做 key，落在同一分区保持顺序
	_, _, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(sessionID),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}
