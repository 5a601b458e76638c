package pricing

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the pricing table when its file changes on disk.
type Watcher struct {
	fw     *fsnotify.Watcher
	done   chan struct{}
	logger *zap.Logger
}

// Watch starts a background reload loop for the table's file. The caller
// must Close the returned watcher on shutdown.
func (t *Table) Watch(logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(t.path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{fw: fw, done: make(chan struct{}), logger: logger}
	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := t.Reload(); err != nil {
					logger.Warn("Pricing table reload failed, keeping previous table", zap.Error(err))
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warn("Pricing table watch error", zap.Error(err))
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
