package federation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/driftwood-social/driftwood/internal/keyedstore"
	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// fakeStore is an in-memory KeyedStore for tests.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (s *fakeStore) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = value
	return true, nil
}

func (s *fakeStore) IncrWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(1)
	if v, ok := s.data[key]; ok {
		var cur int64
		for _, r := range v {
			cur = cur*10 + int64(r-'0')
		}
		n = cur + 1
	}
	s.data[key] = itoa(n)
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func (s *fakeStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", keyedstore.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *fakeStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// cacheActor preloads an actor snapshot into the fake store's positive cache
// so resolution never touches the network.
func (s *fakeStore) cacheActor(actor *Actor) {
	data, _ := json.Marshal(actor)
	s.Set(context.Background(), actorCachePrefix+actor.ID, string(data), time.Hour)
}

// fakeUserRepo is an in-memory repo.UserRepo.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[models.ID]*models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[models.ID]*models.User)}
}

func (f *fakeUserRepo) add(u *models.User) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return u
}

func (f *fakeUserRepo) FindByID(_ context.Context, id models.ID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeUserRepo) FindByURI(_ context.Context, uri string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.URI != nil && *u.URI == uri {
			return u, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeUserRepo) FindByUsername(_ context.Context, username string, host *string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if !strings.EqualFold(u.Username, username) {
			continue
		}
		if host == nil && u.Host == nil {
			return u, nil
		}
		if host != nil && u.Host != nil && strings.EqualFold(*host, *u.Host) {
			return u, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeUserRepo) FindByToken(context.Context, string) (*models.User, error) {
	return nil, repo.ErrNotFound
}

func (f *fakeUserRepo) ListByIDs(_ context.Context, ids []models.ID) ([]*models.User, error) {
	var out []*models.User
	for _, id := range ids {
		if u, err := f.FindByID(context.Background(), id); err == nil {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUserRepo) Search(context.Context, string, int) ([]*models.User, error) {
	return nil, nil
}

func (f *fakeUserRepo) CreateLocal(_ context.Context, u *models.User, _, _ string) error {
	f.add(u)
	return nil
}

func (f *fakeUserRepo) UpsertRemote(_ context.Context, u *models.User) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.URI != nil && u.URI != nil && *existing.URI == *u.URI {
			existing.Username = u.Username
			existing.DisplayName = u.DisplayName
			existing.Summary = u.Summary
			existing.Inbox = u.Inbox
			existing.SharedInbox = u.SharedInbox
			existing.PublicKeyPEM = u.PublicKeyPEM
			return existing, nil
		}
	}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeUserRepo) SetSuspended(_ context.Context, id models.ID, suspended bool) error {
	u, err := f.FindByID(context.Background(), id)
	if err != nil {
		return err
	}
	u.Suspended = suspended
	return nil
}

func (f *fakeUserRepo) IncNotesCount(_ context.Context, id models.ID, delta int) error {
	return f.inc(id, func(u *models.User) { u.NotesCount += int64(delta) })
}

func (f *fakeUserRepo) IncFollowersCount(_ context.Context, id models.ID, delta int) error {
	return f.inc(id, func(u *models.User) { u.FollowersCount += int64(delta) })
}

func (f *fakeUserRepo) IncFollowingCount(_ context.Context, id models.ID, delta int) error {
	return f.inc(id, func(u *models.User) { u.FollowingCount += int64(delta) })
}

func (f *fakeUserRepo) inc(id models.ID, fn func(*models.User)) error {
	u, err := f.FindByID(context.Background(), id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(u)
	return nil
}

// fakeNoteRepo is an in-memory repo.NoteRepo.
type fakeNoteRepo struct {
	mu    sync.Mutex
	notes map[models.ID]*models.Note
}

func newFakeNoteRepo() *fakeNoteRepo {
	return &fakeNoteRepo{notes: make(map[models.ID]*models.Note)}
}

func (f *fakeNoteRepo) add(n *models.Note) *models.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[n.ID] = n
	return n
}

func (f *fakeNoteRepo) FindByID(_ context.Context, id models.ID) (*models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.notes[id]; ok {
		return n, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeNoteRepo) FindByURI(_ context.Context, uri string) (*models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notes {
		if n.URI != nil && *n.URI == uri {
			return n, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeNoteRepo) Create(_ context.Context, n *models.Note) error {
	f.add(n)
	return nil
}

func (f *fakeNoteRepo) SoftDelete(_ context.Context, id models.ID) error {
	n, err := f.FindByID(context.Background(), id)
	if err != nil {
		return err
	}
	n.Text = nil
	n.CW = nil
	return nil
}

func (f *fakeNoteRepo) UpdateText(_ context.Context, id models.ID, text, cw *string, updatedAt time.Time) error {
	n, err := f.FindByID(context.Background(), id)
	if err != nil {
		return err
	}
	n.Text = text
	n.CW = cw
	n.UpdatedAt = &updatedAt
	return nil
}

func (f *fakeNoteRepo) IncRepliesCount(_ context.Context, id models.ID, delta int) error {
	return f.inc(id, func(n *models.Note) { n.RepliesCount += int64(delta) })
}

func (f *fakeNoteRepo) IncRenoteCount(_ context.Context, id models.ID, delta int) error {
	return f.inc(id, func(n *models.Note) { n.RenoteCount += int64(delta) })
}

func (f *fakeNoteRepo) IncReactionCount(_ context.Context, id models.ID, delta int) error {
	return f.inc(id, func(n *models.Note) { n.ReactionCount += int64(delta) })
}

func (f *fakeNoteRepo) inc(id models.ID, fn func(*models.Note)) error {
	n, err := f.FindByID(context.Background(), id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(n)
	return nil
}

func (f *fakeNoteRepo) ListAncestors(context.Context, models.ID, int) ([]*models.Note, error) {
	return nil, nil
}
func (f *fakeNoteRepo) ListDescendants(context.Context, models.ID, int) ([]*models.Note, error) {
	return nil, nil
}
func (f *fakeNoteRepo) UserTimeline(context.Context, models.ID, models.ID, models.ID, int) ([]*models.Note, error) {
	return nil, nil
}
func (f *fakeNoteRepo) LocalTimeline(context.Context, models.ID, models.ID, int) ([]*models.Note, error) {
	return nil, nil
}
func (f *fakeNoteRepo) GlobalTimeline(context.Context, models.ID, models.ID, int) ([]*models.Note, error) {
	return nil, nil
}
func (f *fakeNoteRepo) HomeTimeline(context.Context, models.ID, models.ID, models.ID, int) ([]*models.Note, error) {
	return nil, nil
}

// fakeFollowingRepo is an in-memory repo.FollowingRepo.
type fakeFollowingRepo struct {
	mu    sync.Mutex
	edges map[string]*models.Following
}

func newFakeFollowingRepo() *fakeFollowingRepo {
	return &fakeFollowingRepo{edges: make(map[string]*models.Following)}
}

func pairKey(follower, followee models.ID) string {
	return string(follower) + "/" + string(followee)
}

func (f *fakeFollowingRepo) Create(_ context.Context, edge *models.Following) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(edge.FollowerID, edge.FolloweeID)
	if _, ok := f.edges[key]; ok {
		return false, nil
	}
	f.edges[key] = edge
	return true, nil
}

func (f *fakeFollowingRepo) DeleteByPair(_ context.Context, follower, followee models.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(follower, followee)
	if _, ok := f.edges[key]; !ok {
		return false, nil
	}
	delete(f.edges, key)
	return true, nil
}

func (f *fakeFollowingRepo) Exists(_ context.Context, follower, followee models.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.edges[pairKey(follower, followee)]
	return ok, nil
}

func (f *fakeFollowingRepo) ListFolloweeIDs(_ context.Context, follower models.ID) ([]models.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []models.ID
	for _, e := range f.edges {
		if e.FollowerID == follower {
			ids = append(ids, e.FolloweeID)
		}
	}
	return ids, nil
}

func (f *fakeFollowingRepo) RemoteFollowerInboxes(_ context.Context, followee models.ID) ([]repo.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.Recipient
	for _, e := range f.edges {
		if e.FolloweeID == followee && e.FollowerInbox != nil {
			out = append(out, repo.Recipient{Inbox: *e.FollowerInbox, SharedInbox: e.FollowerSharedInbox})
		}
	}
	return out, nil
}

// fakeFollowRequestRepo is an in-memory repo.FollowRequestRepo.
type fakeFollowRequestRepo struct {
	mu       sync.Mutex
	requests map[string]*models.FollowRequest
}

func newFakeFollowRequestRepo() *fakeFollowRequestRepo {
	return &fakeFollowRequestRepo{requests: make(map[string]*models.FollowRequest)}
}

func (f *fakeFollowRequestRepo) Create(_ context.Context, fr *models.FollowRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(fr.FollowerID, fr.FolloweeID)
	if _, ok := f.requests[key]; ok {
		return false, nil
	}
	f.requests[key] = fr
	return true, nil
}

func (f *fakeFollowRequestRepo) DeleteByPair(_ context.Context, follower, followee models.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(follower, followee)
	if _, ok := f.requests[key]; !ok {
		return false, nil
	}
	delete(f.requests, key)
	return true, nil
}

func (f *fakeFollowRequestRepo) FindByPair(_ context.Context, follower, followee models.ID) (*models.FollowRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr, ok := f.requests[pairKey(follower, followee)]; ok {
		return fr, nil
	}
	return nil, repo.ErrNotFound
}

// fakeReactionRepo is an in-memory repo.ReactionRepo.
type fakeReactionRepo struct {
	mu        sync.Mutex
	reactions map[string]*models.Reaction
}

func newFakeReactionRepo() *fakeReactionRepo {
	return &fakeReactionRepo{reactions: make(map[string]*models.Reaction)}
}

func (f *fakeReactionRepo) Insert(_ context.Context, r *models.Reaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(r.UserID, r.NoteID)
	if _, ok := f.reactions[key]; ok {
		return false, nil
	}
	f.reactions[key] = r
	return true, nil
}

func (f *fakeReactionRepo) FindByUserAndNote(_ context.Context, userID, noteID models.ID) (*models.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reactions[pairKey(userID, noteID)]; ok {
		return r, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeReactionRepo) DeleteByUserAndNote(_ context.Context, userID, noteID models.ID) (*models.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(userID, noteID)
	r, ok := f.reactions[key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	delete(f.reactions, key)
	return r, nil
}

func (f *fakeReactionRepo) ListByNote(_ context.Context, noteID models.ID) ([]*models.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Reaction
	for _, r := range f.reactions {
		if r.NoteID == noteID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakePolicy is a configurable InstancePolicy.
type fakePolicy struct {
	mu      sync.Mutex
	blocked map[string]bool
	touched []string
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{blocked: make(map[string]bool)}
}

func (p *fakePolicy) block(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[host] = true
}

func (p *fakePolicy) ShouldFederate(_ context.Context, host string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.blocked[host], nil
}

func (p *fakePolicy) ShouldShowInPublic(_ context.Context, host string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.blocked[host], nil
}

func (p *fakePolicy) Touch(_ context.Context, host string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = append(p.touched, host)
	return nil
}

func (p *fakePolicy) IncrementCounters(string, int64, int64) {}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Channel string
	Type    string
	Body    interface{}
}

func (p *fakePublisher) Publish(_ context.Context, channel, eventType string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Channel: channel, Type: eventType, Body: body})
	return nil
}

func (p *fakePublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu            sync.Mutex
	notifications []*models.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, notification *models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

// fakeEnqueuer records inbox and delivery jobs.
type fakeEnqueuer struct {
	mu         sync.Mutex
	inbox      []models.InboxJob
	deliveries []models.DeliveryJob
}

func (q *fakeEnqueuer) EnqueueInbox(_ context.Context, job models.InboxJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inbox = append(q.inbox, job)
	return nil
}

func (q *fakeEnqueuer) EnqueueDelivery(_ context.Context, job models.DeliveryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries = append(q.deliveries, job)
	return nil
}
