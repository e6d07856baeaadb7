// Package discover finds upstream server candidates from the lock files
// the server writes into its advertisement directory. Each file is named
// <port>.lock and carries a small JSON body.
package discover

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Candidate is one advertised server.
type Candidate struct {
	Port             int
	PID              int
	WorkspaceFolders []string
}

// lockBody is the JSON inside a lock file. Every field is optional; the
// port comes from the filename.
type lockBody struct {
	PID              int      `json:"pid"`
	WorkspaceFolders []string `json:"workspaceFolders"`
}

// Scanner reads and watches one lock directory.
type Scanner struct {
	dir  string
	poll time.Duration
}

// NewScanner builds a scanner over dir. poll is the fallback re-scan
// interval used alongside filesystem events; zero means 15 seconds.
func NewScanner(dir string, poll time.Duration) *Scanner {
	if poll == 0 {
		poll = 15 * time.Second
	}
	return &Scanner{dir: dir, poll: poll}
}

// Scan lists the current candidates sorted by port ascending, so the first
// entry is the deterministic tie-break when several servers advertise at
// once. A missing directory is an empty result, not an error.
func (s *Scanner) Scan() ([]Candidate, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		port, ok := portFromName(entry.Name())
		if !ok {
			continue
		}
		c := Candidate{Port: port}
		if data, err := os.ReadFile(filepath.Join(s.dir, entry.Name())); err == nil {
			var body lockBody
			if json.Unmarshal(data, &body) == nil {
				c.PID = body.PID
				c.WorkspaceFolders = body.WorkspaceFolders
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// Watch emits the candidate set on every change, starting with the current
// one. Filesystem events trigger a re-scan; the poll ticker covers missed
// events and a directory that appears later. The channel closes when done
// is closed. Consecutive identical sets are suppressed.
func (s *Scanner) Watch(done <-chan struct{}) <-chan []Candidate {
	out := make(chan []Candidate, 1)
	go s.watch(done, out)
	return out
}

func (s *Scanner) watch(done <-chan struct{}, out chan<- []Candidate) {
	defer close(out)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("discover: fsnotify unavailable, polling only: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.dir); err != nil {
			// Directory may not exist yet; the ticker retries.
			log.Printf("discover: watching %s: %v", s.dir, err)
		}
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var last []Candidate
	emitted := false
	emit := func() {
		candidates, err := s.Scan()
		if err != nil {
			log.Printf("discover: scanning %s: %v", s.dir, err)
			return
		}
		if emitted && sameCandidates(last, candidates) {
			return
		}
		last = candidates
		emitted = true
		select {
		case out <- candidates:
		case <-done:
		}
	}

	emit()
	for {
		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		select {
		case <-done:
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				emit()
			}
		case err := <-errs:
			log.Printf("discover: watcher: %v", err)
		case <-ticker.C:
			if watcher != nil {
				// Re-add in case the directory appeared after startup.
				watcher.Add(s.dir)
			}
			emit()
		}
	}
}

func portFromName(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, ".lock")
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(base)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func sameCandidates(a, b []Candidate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Port != b[i].Port || a[i].PID != b[i].PID {
			return false
		}
	}
	return true
}
