package push

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

// Broker передаёт событие в хаб(ы), где подключён получатель.
type Broker interface {
	Publish(ctx context.Context, ev model.PushEvent) error
}

// Dispatcher отделяет доставку push-событий от бизнес-операций:
// события кладутся в ограниченную очередь и разбираются пулом воркеров.
type Dispatcher struct {
	broker  Broker
	queue   chan model.PushEvent
	workers int
	logger  *zap.Logger

	dropped atomic.Int64
}

// NewDispatcher создаёт диспетчер с очередью размера size и workers воркерами.
func NewDispatcher(broker Broker, size, workers int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		broker:  broker,
		queue:   make(chan model.PushEvent, size),
		workers: workers,
		logger:  logger,
	}
}

// Enqueue ставит событие в очередь без блокировки. При переполненной очереди
// событие отбрасывается и возвращается false.
func (d *Dispatcher) Enqueue(ev model.PushEvent) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Dropped возвращает число отброшенных из-за переполнения событий.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run запускает воркеры и блокируется до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.broker.Publish(ctx, ev); err != nil {
				d.logger.Warn("publish push event",
					zap.Error(err),
					zap.String("user_id", ev.UserID),
					zap.String("type", string(ev.Type)),
				)
			}
		}
	}
}

// LocalBroker доставляет события в хаб текущего процесса.
type LocalBroker struct {
	hub *Hub
}

// NewLocalBroker создаёт брокер для одного экземпляра сервиса.
func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{hub: hub}
}

// Publish доставляет событие локальным сессиям получателя.
func (b *LocalBroker) Publish(_ context.Context, ev model.PushEvent) error {
	b.hub.Deliver(ev)
	return nil
}
