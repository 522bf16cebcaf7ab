// Package reconcile merges a client's optimistic sends, server
// acknowledgements, pushed events and fetched pages into one ordered,
// duplicate-free view of a conversation.
//
// A pending send is keyed by its client token until the server assigns an id;
// from then on the message is keyed by id and inserted at most once no matter
// how many paths deliver it.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// Status is the delivery state of an entry in a thread.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusConfirmed Status = "confirmed"
)

// Entry is one row of the rendered thread. Pending and failed entries have a
// zero Message.ID.
type Entry struct {
	Message     model.Message
	ClientToken string
	Status      Status
	Err         string
}

// Action is an input to Thread.Apply.
type Action interface {
	apply(t *Thread) bool
}

// SendStarted inserts an optimistic placeholder for a send.
type SendStarted struct {
	Token    string
	AuthorID string
	Body     string
	At       time.Time
}

// SendAcknowledged carries the message returned by the send call.
type SendAcknowledged struct {
	Token   string
	Message model.Message
}

// MessageReceived carries a message pushed over the realtime channel.
type MessageReceived struct {
	Message model.Message
}

// PageLoaded carries messages fetched over REST.
type PageLoaded struct {
	Messages []model.Message
}

// SendFailed marks a placeholder as failed; it stays in the thread so the
// caller can retry with the same token.
type SendFailed struct {
	Token string
	Err   error
}

// SendRetried marks a failed placeholder pending again.
type SendRetried struct {
	Token string
}

// Thread is the local view of one conversation. It is safe for concurrent use.
type Thread struct {
	mu             sync.Mutex
	conversationID uuid.UUID
	confirmed      []model.Message
	seen           map[uuid.UUID]struct{}
	pending        []*Entry
	byToken        map[string]*Entry
}

// NewThread returns an empty thread.
func NewThread(conversationID uuid.UUID) *Thread {
	return &Thread{
		conversationID: conversationID,
		seen:           map[uuid.UUID]struct{}{},
		byToken:        map[string]*Entry{},
	}
}

// ConversationID returns the conversation the thread belongs to.
func (t *Thread) ConversationID() uuid.UUID { return t.conversationID }

// Apply reduces a into the thread and reports whether the view changed.
func (t *Thread) Apply(a Action) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return a.apply(t)
}

// Messages returns confirmed messages in server order followed by pending and
// failed placeholders in submission order.
func (t *Thread) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		out = append(out, Entry{Message: m, ClientToken: m.ClientToken, Status: StatusConfirmed})
	}
	for _, p := range t.pending {
		out = append(out, *p)
	}
	return out
}

// Pending returns the placeholders still awaiting confirmation.
func (t *Thread) Pending() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	return out
}

// Seen reports whether a message id is already in the thread.
func (t *Thread) Seen(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[id]
	return ok
}

func (a SendStarted) apply(t *Thread) bool {
	if a.Token == "" {
		return false
	}
	if _, dup := t.byToken[a.Token]; dup {
		return false
	}
	e := &Entry{
		Message: model.Message{
			ConversationID: t.conversationID,
			AuthorID:       a.AuthorID,
			Body:           a.Body,
			ClientToken:    a.Token,
			CreatedAt:      a.At,
		},
		ClientToken: a.Token,
		Status:      StatusPending,
	}
	t.pending = append(t.pending, e)
	t.byToken[a.Token] = e
	return true
}

func (a SendAcknowledged) apply(t *Thread) bool {
	token := a.Token
	if token == "" {
		token = a.Message.ClientToken
	}
	removed := t.removePending(token)
	return t.insert(a.Message) || removed
}

func (a MessageReceived) apply(t *Thread) bool {
	if a.Message.ConversationID != t.conversationID {
		return false
	}
	if _, ok := t.seen[a.Message.ID]; ok {
		return false
	}
	if a.Message.ClientToken != "" {
		t.removePending(a.Message.ClientToken)
	} else if e := t.matchByContent(a.Message); e != nil {
		t.removePending(e.ClientToken)
	}
	return t.insert(a.Message)
}

func (a PageLoaded) apply(t *Thread) bool {
	changed := false
	for _, m := range a.Messages {
		if m.ConversationID != t.conversationID {
			continue
		}
		if m.ClientToken != "" && t.removePending(m.ClientToken) {
			changed = true
		}
		if t.insert(m) {
			changed = true
		}
	}
	return changed
}

func (a SendFailed) apply(t *Thread) bool {
	e, ok := t.byToken[a.Token]
	if !ok || e.Status == StatusFailed {
		return false
	}
	e.Status = StatusFailed
	if a.Err != nil {
		e.Err = a.Err.Error()
	}
	return true
}

func (a SendRetried) apply(t *Thread) bool {
	e, ok := t.byToken[a.Token]
	if !ok || e.Status != StatusFailed {
		return false
	}
	e.Status = StatusPending
	e.Err = ""
	return true
}

// matchByContent finds the oldest placeholder with the same author and body,
// for servers that do not echo the client token.
func (t *Thread) matchByContent(m model.Message) *Entry {
	for _, e := range t.pending {
		if e.Message.AuthorID == m.AuthorID && e.Message.Body == m.Body {
			return e
		}
	}
	return nil
}

func (t *Thread) removePending(token string) bool {
	if token == "" {
		return false
	}
	e, ok := t.byToken[token]
	if !ok {
		return false
	}
	delete(t.byToken, token)
	for i, p := range t.pending {
		if p == e {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			break
		}
	}
	return true
}

// insert adds m in server order unless its id was already seen.
func (t *Thread) insert(m model.Message) bool {
	if m.ID == uuid.Nil {
		return false
	}
	if _, ok := t.seen[m.ID]; ok {
		return false
	}
	t.seen[m.ID] = struct{}{}
	i := sort.Search(len(t.confirmed), func(i int) bool { return less(m, t.confirmed[i]) })
	t.confirmed = append(t.confirmed, model.Message{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = m
	return true
}

func less(a, b model.Message) bool {
	if a.Seq != b.Seq && a.Seq != 0 && b.Seq != 0 {
		return a.Seq < b.Seq
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Reconciler holds one thread per conversation.
type Reconciler struct {
	mu      sync.Mutex
	threads map[uuid.UUID]*Thread
}

// New returns an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{threads: map[uuid.UUID]*Thread{}}
}

// Thread returns the thread for conversationID, creating it on first use.
func (r *Reconciler) Thread(conversationID uuid.UUID) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[conversationID]
	if !ok {
		t = NewThread(conversationID)
		r.threads[conversationID] = t
	}
	return t
}
