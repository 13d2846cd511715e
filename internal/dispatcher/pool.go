package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned by Shutdown when in-flight tasks had to be aborted
var ErrShutdownTimeout = errors.New("dispatcher shutdown timed out")

// Pool runs several dispatchers against the same queue in one process
type Pool struct {
	logger      *slog.Logger
	dispatchers []*Dispatcher

	wg        sync.WaitGroup
	errMu     sync.Mutex
	errs      []error
	stop      context.CancelFunc
	abort     context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// NewPool creates instances dispatchers from cfg. Consumer tags are
// "<cfg.ConsumerTag>-<n>".
func NewPool(cfg *Config, instances int) *Pool {
	if instances < 1 {
		instances = 1
	}

	p := &Pool{
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
	for i := 0; i < instances; i++ {
		instanceCfg := *cfg
		instanceCfg.ConsumerTag = fmt.Sprintf("%s-%d", cfg.ConsumerTag, i)
		if cfg.InstanceStaging != nil {
			instanceCfg.Staging = cfg.InstanceStaging(i)
		}
		p.dispatchers = append(p.dispatchers, New(&instanceCfg))
	}
	return p
}

// Start spawns every dispatcher. Cancel ctx or call Shutdown to stop them.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		consumeCtx, stop := context.WithCancel(ctx)
		processCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
		p.stop, p.abort = stop, abort

		p.logger.Info("Spawning dispatcher pool", slog.Int("instances", len(p.dispatchers)))

		for _, d := range p.dispatchers {
			p.wg.Add(1)
			go func(d *Dispatcher) {
				defer p.wg.Done()
				if err := d.Run(consumeCtx, processCtx); err != nil {
					d.logger.Error("Dispatcher exited", slog.Any("error", err))
					p.errMu.Lock()
					p.errs = append(p.errs, err)
					p.errMu.Unlock()
				}
			}(d)
		}

		go func() {
			p.wg.Wait()
			abort()
			close(p.done)
		}()
	})
}

// Done is closed once every dispatcher has returned
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Err joins the errors dispatchers exited with
func (p *Pool) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.errs...)
}

// Shutdown stops consumption and waits for in-flight tasks. After timeout the
// remaining tasks are canceled; their messages stay unacknowledged.
func (p *Pool) Shutdown(timeout time.Duration) error {
	if p.stop == nil {
		return nil
	}

	p.logger.Info("Stopping dispatcher pool...")
	p.stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Info("Dispatcher pool stopped")
		return nil
	case <-timer.C:
	}

	p.logger.Warn("In-flight tasks did not finish in time, aborting", slog.Duration("timeout", timeout))
	p.abort()
	<-p.done
	return ErrShutdownTimeout
}
