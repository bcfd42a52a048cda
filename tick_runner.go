/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package retainly

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TickRunner calls Tick on a fixed interval inside the current process, for
// deployments without an external trigger.
type TickRunner struct {
	retainly     *Retainly
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewTickRunner(r *Retainly) *TickRunner {
	interval := time.Duration(r.config.Scheduler.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &TickRunner{
		retainly:     r,
		pollInterval: interval,
		stopCh:       make(chan struct{}),
	}
}

func (p *TickRunner) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.WithField("interval", p.pollInterval).Info("tick runner started")
}

func (p *TickRunner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("tick runner stopped")
}

func (p *TickRunner) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *TickRunner) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("tick runner context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("tick runner stop signal received")
			return
		case <-ticker.C:
			if _, err := p.retainly.Tick(ctx); err != nil {
				logrus.WithError(err).Error("tick failed")
			}
		}
	}
}
