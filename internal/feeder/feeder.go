// Package feeder watches a combo file ("user:pass" per line) and imports
// newly appended pairs into a live run.
package feeder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"sprayer/internal/store"
	logx "sprayer/pkg/logx"
)

// Sink receives newly discovered pairs. engine.Engine.Feed satisfies this.
type Sink func(pairs []store.Pair) error

type Feeder struct {
	path string
	sink Sink
	log  logx.Logger

	// seen counts lines already delivered so re-reads only emit the tail.
	seen int
}

func New(path string, sink Sink, log logx.Logger) *Feeder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Feeder{path: path, sink: sink, log: log}
}

// Run delivers the file's current contents, then blocks watching for appends
// until ctx is cancelled. Watch errors are logged, not fatal: the run can
// finish on the pairs it already has.
func (f *Feeder) Run(ctx context.Context) error {
	// Initial load before watching so a pre-populated file is not missed.
	f.deliver()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file wholesale.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return err
	}

	base := filepath.Base(f.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			f.deliver()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("feeder watch error", logx.Err(err))
		}
	}
}

func (f *Feeder) deliver() {
	pairs, total, err := f.readTail()
	if err != nil {
		f.log.Warn("feeder read failed", logx.String("path", f.path), logx.Err(err))
		return
	}
	if len(pairs) == 0 {
		return
	}
	if err := f.sink(pairs); err != nil {
		// Leave seen untouched so the batch is retried on the next event.
		f.log.Warn("feeder import rejected", logx.Int("pairs", len(pairs)), logx.Err(err))
		return
	}
	f.seen = total
	f.log.Info("feeder imported pairs", logx.Int("pairs", len(pairs)))
}

// readTail parses the combo file and returns the lines beyond the ones
// already delivered, plus the new total.
func (f *Feeder) readTail() ([]store.Pair, int, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, 0, err
	}
	defer fh.Close()

	var (
		pairs []store.Pair
		line  int
	)
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line++
		if line <= f.seen {
			continue
		}
		p, ok := ParseComboLine(sc.Text())
		if !ok {
			continue
		}
		pairs = append(pairs, p)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return pairs, line, nil
}

// ParseComboLine splits "user:pass". Passwords may contain colons; only the
// first separator counts. Blank lines and comments are skipped.
func ParseComboLine(s string) (store.Pair, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "#") {
		return store.Pair{}, false
	}
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return store.Pair{}, false
	}
	return store.Pair{Username: s[:i], Password: s[i+1:]}, true
}
