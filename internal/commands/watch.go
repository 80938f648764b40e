package commands

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads the catalog whenever the commands directory changes. Bursts
// of events are debounced into a single reload.
func (c *Catalog) Watch(ctx context.Context) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.stop != nil {
		return nil
	}

	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.opts.Dir); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.done = make(chan struct{})
	go c.watchLoop(watchCtx, watcher, c.done)

	log.Info().Str("dir", c.opts.Dir).Msg("watching custom commands")
	return nil
}

// Close stops the watcher, if running.
func (c *Catalog) Close() {
	c.watchMu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.watchMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(c.opts.Debounce, func() {
			if err := c.Reload(context.Background()); err != nil {
				log.Warn().Err(err).Msg("custom command reload failed")
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("custom command watch error")
		}
	}
}
