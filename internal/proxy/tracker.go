package proxy

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/die-net/ssrelay/internal/relay"
)

// Tracker records live relay processes by connection id.
type Tracker struct {
	mu    sync.Mutex
	procs map[string]*relay.Process
}

func NewTracker() *Tracker {
	return &Tracker{procs: make(map[string]*relay.Process)}
}

func (t *Tracker) Add(id string, p *relay.Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[id] = p
}

func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, id)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	ID         string  `json:"id"`
	Client     string  `json:"client"`
	Target     string  `json:"target,omitempty"`
	Stage      string  `json:"stage"`
	AgeSeconds float64 `json:"age_seconds"`
}

// Snapshot returns the live connections, oldest first.
func (t *Tracker) Snapshot() []ConnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	infos := make([]ConnInfo, 0, len(t.procs))
	for id, p := range t.procs {
		info := ConnInfo{
			ID:         id,
			Stage:      p.Stage().String(),
			AgeSeconds: now.Sub(p.Created()).Seconds(),
		}
		if c := p.ClientConn(); c != nil && c.RemoteAddr() != nil {
			info.Client = c.RemoteAddr().String()
		}
		if target, ok := p.Target(); ok {
			info.Target = target.String()
		}
		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b ConnInfo) int {
		switch {
		case a.AgeSeconds > b.AgeSeconds:
			return -1
		case a.AgeSeconds < b.AgeSeconds:
			return 1
		default:
			return 0
		}
	})
	return infos
}

// ServeHTTP writes Snapshot as JSON.
func (t *Tracker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(t.Snapshot())
}
