package decision

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Sender hands a logged submission to the external delivery collaborator.
type Sender interface {
	Send(ctx context.Context, submissionID string) error
}

// MailPatcher updates the audit record with the delivery outcome.
type MailPatcher interface {
	PatchSubmissionEmail(ctx context.Context, id string, sent bool, failureReason *string, sentVia string) error
}

const (
	jitterMin = 2 * time.Second
	jitterMax = 5 * time.Second

	// A scheduled send older than this is considered stuck and picked up by
	// the fallback sweep.
	stuckAfter = 10 * time.Second
)

// DelayedMailer holds mail for delay-tier submissions and sends it after a
// short random jitter. A periodic sweep re-sends anything whose primary
// timer stalled, so a crashed or wedged timer cannot silently eat mail.
type DelayedMailer struct {
	store  MailPatcher
	sender Sender
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time // submission ID -> scheduled-at

	// Injectable for tests.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
	jitter    func() time.Duration
}

func NewDelayedMailer(store MailPatcher, sender Sender, log *slog.Logger) *DelayedMailer {
	return &DelayedMailer{
		store:     store,
		sender:    sender,
		log:       log,
		pending:   make(map[string]time.Time),
		now:       time.Now,
		afterFunc: time.AfterFunc,
		jitter: func() time.Duration {
			return jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin)))
		},
	}
}

// Schedule queues a delayed send for the submission. The jitter makes the
// response timing useless as an oracle for whether mail was suppressed.
func (m *DelayedMailer) Schedule(submissionID string) {
	m.mu.Lock()
	m.pending[submissionID] = m.now()
	m.mu.Unlock()

	m.afterFunc(m.jitter(), func() {
		m.deliver(context.Background(), submissionID, SentCron)
	})
}

// SweepStuck re-sends every pending submission whose primary timer has not
// fired within the stuck window. Called from the periodic job runner.
func (m *DelayedMailer) SweepStuck(ctx context.Context) int {
	cutoff := m.now().Add(-stuckAfter)

	m.mu.Lock()
	var stuck []string
	for id, at := range m.pending {
		if at.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stuck {
		m.deliver(ctx, id, SentFallback)
	}
	return len(stuck)
}

// Pending reports the number of submissions awaiting delivery.
func (m *DelayedMailer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// deliver sends at most once: the first of the primary timer and the
// fallback sweep to claim the entry wins, the other finds it gone.
func (m *DelayedMailer) deliver(ctx context.Context, submissionID, via string) {
	m.mu.Lock()
	_, ok := m.pending[submissionID]
	if ok {
		delete(m.pending, submissionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.sender.Send(ctx, submissionID); err != nil {
		reason := err.Error()
		if perr := m.store.PatchSubmissionEmail(ctx, submissionID, false, &reason, via); perr != nil {
			m.log.Error("failed to record mail failure", "submission_id", submissionID, "error", perr)
		}
		m.log.Warn("delayed mail send failed", "submission_id", submissionID, "via", via, "error", err)
		return
	}

	if err := m.store.PatchSubmissionEmail(ctx, submissionID, true, nil, via); err != nil {
		m.log.Error("failed to record mail delivery", "submission_id", submissionID, "error", err)
	}
}
