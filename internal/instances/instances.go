// Package instances implements the peer-instance registry: one row per peer
// host with moderation flags, nodeinfo metadata, and best-effort counters.
// The registry's policy gates decide whether activities from a host are
// applied and whether deliveries toward it are attempted.
package instances

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/driftwood-social/driftwood/internal/repo"
)

// nodeinfoRefreshInterval is how often a peer's nodeinfo is refetched.
const nodeinfoRefreshInterval = 24 * time.Hour

// Registry provides the instance policy gates and peer bookkeeping.
type Registry struct {
	repo   repo.InstanceRepo
	client *http.Client
	logger *slog.Logger

	// Hot-path caches: the inbox handler consults ShouldFederate on every
	// request, so flag lookups are cached briefly.
	blockedCache *TTLCache[bool]
	publicCache  *TTLCache[bool]

	// Batched per-host counter deltas, flushed every 5s by StartCounterFlusher.
	counterMu       sync.Mutex
	pendingCounters map[string]*counterEntry
}

// counterEntry accumulates user/note count deltas per host for batch flushing.
type counterEntry struct {
	users int64
	notes int64
}

// New creates a registry over the instance repository.
func New(instanceRepo repo.InstanceRepo, logger *slog.Logger) *Registry {
	return &Registry{
		repo:            instanceRepo,
		client:          &http.Client{Timeout: 10 * time.Second},
		logger:          logger,
		blockedCache:    NewTTLCache[bool](60*time.Second, 1000),
		publicCache:     NewTTLCache[bool](60*time.Second, 1000),
		pendingCounters: make(map[string]*counterEntry),
	}
}

// Touch upserts the row for a host and stamps last_seen_at. On first contact,
// or when the stored nodeinfo is stale, a best-effort nodeinfo refresh runs
// in the background.
func (r *Registry) Touch(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	inst, err := r.repo.Upsert(ctx, host)
	if err != nil {
		return fmt.Errorf("touching instance %s: %w", host, err)
	}

	if inst.InfoUpdatedAt == nil || time.Since(*inst.InfoUpdatedAt) > nodeinfoRefreshInterval {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := r.RefreshNodeinfo(refreshCtx, host); err != nil {
				r.logger.Debug("nodeinfo refresh failed",
					slog.String("host", host), slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// ShouldFederate reports whether activities from (and deliveries to) a host
// are allowed: true unless the host is blocked. Unknown hosts federate.
func (r *Registry) ShouldFederate(ctx context.Context, host string) (bool, error) {
	host = strings.ToLower(host)
	if allowed, ok := r.blockedCache.Get(host); ok {
		return allowed, nil
	}

	inst, err := r.repo.FindByHost(ctx, host)
	if err == repo.ErrNotFound {
		r.blockedCache.Set(host, true)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking federation policy for %s: %w", host, err)
	}

	allowed := !inst.IsBlocked
	r.blockedCache.Set(host, allowed)
	return allowed, nil
}

// ShouldShowInPublic reports whether a host's notes may appear on local and
// global timelines: blocked and silenced hosts are excluded. Consulted by
// timeline queries; private interactions from silenced hosts still process.
func (r *Registry) ShouldShowInPublic(ctx context.Context, host string) (bool, error) {
	host = strings.ToLower(host)
	if visible, ok := r.publicCache.Get(host); ok {
		return visible, nil
	}

	inst, err := r.repo.FindByHost(ctx, host)
	if err == repo.ErrNotFound {
		r.publicCache.Set(host, true)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking visibility policy for %s: %w", host, err)
	}

	visible := !inst.IsBlocked && !inst.IsSilenced
	r.publicCache.Set(host, visible)
	return visible, nil
}

// SetBlocked flips the block flag and invalidates the policy caches.
// Mutated only by admin operations.
func (r *Registry) SetBlocked(ctx context.Context, host string, blocked bool) error {
	host = strings.ToLower(host)
	if err := r.repo.SetBlocked(ctx, host, blocked); err != nil {
		return err
	}
	r.blockedCache.Invalidate(host)
	r.publicCache.Invalidate(host)
	r.logger.Info("instance block flag changed",
		slog.String("host", host), slog.Bool("blocked", blocked))
	return nil
}

// SetSilenced flips the silence flag and invalidates the visibility cache.
func (r *Registry) SetSilenced(ctx context.Context, host string, silenced bool) error {
	host = strings.ToLower(host)
	if err := r.repo.SetSilenced(ctx, host, silenced); err != nil {
		return err
	}
	r.publicCache.Invalidate(host)
	r.logger.Info("instance silence flag changed",
		slog.String("host", host), slog.Bool("silenced", silenced))
	return nil
}

// SetSuspended flips the suspend flag.
func (r *Registry) SetSuspended(ctx context.Context, host string, suspended bool) error {
	return r.repo.SetSuspended(ctx, strings.ToLower(host), suspended)
}

// IncrementCounters accumulates per-host counter deltas in memory. Deltas are
// flushed to the database in batch every 5 seconds by StartCounterFlusher.
func (r *Registry) IncrementCounters(host string, usersDelta, notesDelta int64) {
	host = strings.ToLower(host)
	r.counterMu.Lock()
	defer r.counterMu.Unlock()
	entry, ok := r.pendingCounters[host]
	if !ok {
		entry = &counterEntry{}
		r.pendingCounters[host] = entry
	}
	entry.users += usersDelta
	entry.notes += notesDelta
}

// StartCounterFlusher starts a background goroutine that flushes accumulated
// counter deltas every 5 seconds. On context cancellation it performs a final
// flush before returning.
func (r *Registry) StartCounterFlusher(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.flushCounters(context.Background())
			case <-ctx.Done():
				r.flushCounters(context.Background())
				return
			}
		}
	}()
}

// flushCounters swaps the pending map and writes accumulated deltas.
func (r *Registry) flushCounters(ctx context.Context) {
	r.counterMu.Lock()
	batch := r.pendingCounters
	r.pendingCounters = make(map[string]*counterEntry)
	r.counterMu.Unlock()

	if len(batch) == 0 {
		return
	}

	for host, entry := range batch {
		if err := r.repo.AddCounters(ctx, host, entry.users, entry.notes); err != nil {
			r.logger.Warn("counter flush failed",
				slog.String("host", host), slog.String("error", err.Error()))
			// Put the deltas back so they're not lost.
			r.counterMu.Lock()
			if existing, ok := r.pendingCounters[host]; ok {
				existing.users += entry.users
				existing.notes += entry.notes
			} else {
				r.pendingCounters[host] = entry
			}
			r.counterMu.Unlock()
		}
	}
}

// RefreshNodeinfo fetches a peer's nodeinfo document and stores its software
// metadata. Best-effort: peers without nodeinfo are left as-is.
func (r *Registry) RefreshNodeinfo(ctx context.Context, host string) error {
	host = strings.ToLower(host)

	wellKnown, err := r.fetchJSON(ctx, fmt.Sprintf("https://%s/.well-known/nodeinfo", host))
	if err != nil {
		return fmt.Errorf("fetching nodeinfo discovery for %s: %w", host, err)
	}

	var discovery struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(wellKnown, &discovery); err != nil {
		return fmt.Errorf("decoding nodeinfo discovery for %s: %w", host, err)
	}

	var href string
	for _, link := range discovery.Links {
		if strings.HasPrefix(link.Rel, "http://nodeinfo.diaspora.software/ns/schema/2") {
			href = link.Href
		}
	}
	if href == "" {
		return fmt.Errorf("no nodeinfo link for %s", host)
	}

	doc, err := r.fetchJSON(ctx, href)
	if err != nil {
		return fmt.Errorf("fetching nodeinfo document for %s: %w", host, err)
	}

	var nodeinfo struct {
		Software struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"software"`
		Metadata struct {
			NodeName        string `json:"nodeName"`
			NodeDescription string `json:"nodeDescription"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(doc, &nodeinfo); err != nil {
		return fmt.Errorf("decoding nodeinfo document for %s: %w", host, err)
	}

	update := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	if err := r.repo.UpdateInfo(ctx, host,
		update(nodeinfo.Software.Name), update(nodeinfo.Software.Version),
		update(nodeinfo.Metadata.NodeName), update(nodeinfo.Metadata.NodeDescription)); err != nil {
		return err
	}

	r.logger.Debug("nodeinfo refreshed",
		slog.String("host", host),
		slog.String("software", nodeinfo.Software.Name))
	return nil
}

func (r *Registry) fetchJSON(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "driftwood/1.0 (+nodeinfo)")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<18))
}
