package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Dispatcher запускает пост-коммитную работу в фоне и умеет дождаться её при остановке.
type Dispatcher struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	logger *log.Entry
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Dispatcher{logger: logger.WithField("component", "event-dispatcher")}
}

// Go выполняет fn в отдельной горутине. Контекст отвязан от отмены запроса,
// но сохраняет его значения. После Shutdown новые задачи отбрасываются.
func (d *Dispatcher) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("dispatch skipped during shutdown")
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("panic", r).Error("dispatched task panicked")
			}
		}()
		fn(detached)
	}()
	return true
}

// Shutdown ожидает завершения фоновых публикаций.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
