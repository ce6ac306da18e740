package messaging

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meshbbs/meshsched/contracts"
)

// PendingSend is a direct message handed to the transport and awaiting a
// radio acknowledgment.
type PendingSend struct {
	MessageID   string
	Token       AckToken
	Destination contracts.NodeID
	Priority    contracts.Priority
	SentAt      time.Time
	RetryCount  int
	Message     *contracts.OutgoingMessage
	seq         uint64
}

// Age returns how long the send has been waiting as of now
func (p *PendingSend) Age(now time.Time) time.Duration {
	return now.Sub(p.SentAt)
}

// CleanupResult reports what a cleanup pass removed. Expired entries
// outlived the maximum age; Evicted entries were removed to get back under
// the size bound.
type CleanupResult struct {
	Expired []*PendingSend
	Evicted []*PendingSend
}

// Removed returns the total number of entries removed
func (r CleanupResult) Removed() int {
	return len(r.Expired) + len(r.Evicted)
}

// AcknowledgmentTracker keeps the bounded set of sends awaiting
// acknowledgment. Entries leave the tracker when acknowledged, when they
// exceed the maximum age, or when the tracker is over its size bound.
type AcknowledgmentTracker struct {
	pending    map[string]*PendingSend
	tokens     map[AckToken]string
	settled    *lru.Cache[string, time.Time]
	maxPending int
	maxAge     time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	seq        uint64
	mu         sync.RWMutex
}

// AcknowledgmentTrackerOptions configures the acknowledgment tracker
type AcknowledgmentTrackerOptions struct {
	MaxPending int
	MaxAge     time.Duration
	// SettledCacheSize bounds how many recently settled message IDs are
	// remembered to tell late acknowledgments from unknown ones.
	SettledCacheSize int
	Clock            clock.Clock
	Logger           *slog.Logger
}

// NewAcknowledgmentTracker creates a new acknowledgment tracker
func NewAcknowledgmentTracker(opts *AcknowledgmentTrackerOptions) *AcknowledgmentTracker {
	if opts == nil {
		opts = &AcknowledgmentTrackerOptions{}
	}

	if opts.MaxPending <= 0 {
		opts.MaxPending = 100
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 600 * time.Second
	}
	if opts.SettledCacheSize <= 0 {
		opts.SettledCacheSize = 1024
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	settled, _ := lru.New[string, time.Time](opts.SettledCacheSize)

	return &AcknowledgmentTracker{
		pending:    make(map[string]*PendingSend),
		tokens:     make(map[AckToken]string),
		settled:    settled,
		maxPending: opts.MaxPending,
		maxAge:     opts.MaxAge,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

// RecordSent starts tracking msg under token. If the tracker is full the
// oldest entries are evicted first and returned, so the size never exceeds
// the maximum.
func (t *AcknowledgmentTracker) RecordSent(msg *contracts.OutgoingMessage, token AckToken) []*PendingSend {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, exists := t.pending[msg.ID]; exists {
		t.remove(old)
	}

	var evicted []*PendingSend
	for len(t.pending) >= t.maxPending {
		oldest := t.oldest()
		t.remove(oldest)
		t.settle(oldest.MessageID)
		evicted = append(evicted, oldest)
	}

	t.seq++
	p := &PendingSend{
		MessageID:   msg.ID,
		Token:       token,
		Destination: msg.Destination,
		Priority:    msg.Priority,
		SentAt:      t.clock.Now(),
		RetryCount:  msg.Attempts,
		Message:     msg,
		seq:         t.seq,
	}
	t.pending[msg.ID] = p
	if token != "" {
		t.tokens[token] = msg.ID
	}

	if len(evicted) > 0 {
		t.logger.Warn("Pending tracker full, evicted oldest sends",
			"evicted", len(evicted),
			"maxPending", t.maxPending)
	}

	t.logger.Debug("Tracking pending send",
		"messageId", msg.ID,
		"destination", msg.Destination.String(),
		"token", string(token),
		"pending", len(t.pending))

	return evicted
}

// Acknowledge removes the entry for messageID. Unknown IDs are a logged
// no-op.
func (t *AcknowledgmentTracker) Acknowledge(messageID string) (*PendingSend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.pending[messageID]
	if !exists {
		t.logUnknown(messageID, "")
		return nil, false
	}

	t.remove(p)
	t.settle(messageID)
	return p, true
}

// AcknowledgeToken resolves a transport ack token and acknowledges the
// message it belongs to.
func (t *AcknowledgmentTracker) AcknowledgeToken(token AckToken) (*PendingSend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, exists := t.tokens[token]
	if !exists {
		t.logger.Debug("Acknowledgment for unknown token", "token", string(token))
		return nil, false
	}

	p, exists := t.pending[id]
	if !exists {
		delete(t.tokens, token)
		t.logUnknown(id, token)
		return nil, false
	}

	t.remove(p)
	t.settle(id)
	return p, true
}

// Settled reports whether messageID recently left the tracker
func (t *AcknowledgmentTracker) Settled(messageID string) bool {
	return t.settled.Contains(messageID)
}

func (t *AcknowledgmentTracker) logUnknown(messageID string, token AckToken) {
	if settledAt, ok := t.settled.Peek(messageID); ok {
		t.logger.Info("Late acknowledgment ignored",
			"messageId", messageID,
			"token", string(token),
			"settledAgo", t.clock.Since(settledAt))
		return
	}
	t.logger.Warn("Acknowledgment for unknown message",
		"messageId", messageID,
		"token", string(token))
}

// Cleanup removes entries older than the maximum age, then evicts the
// oldest remaining entries while the tracker is above its size bound.
func (t *AcknowledgmentTracker) Cleanup() CleanupResult {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var result CleanupResult
	for _, p := range t.pending {
		if p.Age(now) > t.maxAge {
			result.Expired = append(result.Expired, p)
		}
	}
	sortBySeq(result.Expired)
	for _, p := range result.Expired {
		t.remove(p)
		t.settle(p.MessageID)
	}

	for len(t.pending) > t.maxPending {
		oldest := t.oldest()
		t.remove(oldest)
		t.settle(oldest.MessageID)
		result.Evicted = append(result.Evicted, oldest)
	}

	if len(result.Evicted) > 0 {
		t.logger.Warn("Evicted pending sends over limit",
			"evicted", len(result.Evicted),
			"maxPending", t.maxPending)
	}
	if len(result.Expired) > 0 {
		t.logger.Info("Expired pending sends",
			"expired", len(result.Expired),
			"maxAge", t.maxAge)
	}

	return result
}

// Drain removes and returns every entry, oldest first
func (t *AcknowledgmentTracker) Drain() []*PendingSend {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*PendingSend, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, p)
	}
	sortBySeq(out)

	for _, p := range out {
		t.settle(p.MessageID)
	}
	t.pending = make(map[string]*PendingSend)
	t.tokens = make(map[AckToken]string)
	return out
}

// Len returns the number of pending sends
func (t *AcknowledgmentTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Max returns the size bound
func (t *AcknowledgmentTracker) Max() int {
	return t.maxPending
}

func (t *AcknowledgmentTracker) remove(p *PendingSend) {
	delete(t.pending, p.MessageID)
	if p.Token != "" && t.tokens[p.Token] == p.MessageID {
		delete(t.tokens, p.Token)
	}
}

func (t *AcknowledgmentTracker) settle(messageID string) {
	t.settled.Add(messageID, t.clock.Now())
}

// oldest returns the earliest recorded entry. The tracker is small, so a
// scan is fine.
func (t *AcknowledgmentTracker) oldest() *PendingSend {
	var oldest *PendingSend
	for _, p := range t.pending {
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	return oldest
}

func sortBySeq(ps []*PendingSend) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].seq < ps[j].seq
	})
}
