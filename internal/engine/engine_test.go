package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minatran/wabulk-be/internal/dedupe"
	"github.com/minatran/wabulk-be/internal/engine/domain"
	"github.com/minatran/wabulk-be/internal/whatsapp"
	"github.com/minatran/wabulk-be/shared/logger"
)

// opsLog records the interleaving of persistence writes and event
// publishes so tests can assert durability-before-publish ordering.
type opsLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *opsLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *opsLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []whatsapp.SendTemplateInput
	respond func(in whatsapp.SendTemplateInput) (string, error)
}

func (d *fakeDispatcher) SendTemplate(_ context.Context, in whatsapp.SendTemplateInput) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, in)
	n := len(d.calls)
	d.mu.Unlock()
	if d.respond != nil {
		return d.respond(in)
	}
	return fmt.Sprintf("wamid.%d", n), nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeStore struct {
	mu          sync.Mutex
	total       int
	state       string
	outcomes    []domain.Outcome
	counts      domain.Counts
	finalState  string
	finalReason string
	log         *opsLog

	// cancelAfter moves the job state to CANCELLED once that many
	// outcomes exist, like a concurrent cancel request landing mid-run;
	// zero disables it
	cancelAfter int
}

func newFakeStore(total int, log *opsLog) *fakeStore {
	return &fakeStore{total: total, state: domain.JobStateRunning, log: log}
}

func (s *fakeStore) GetJobState(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *fakeStore) AppendOutcome(_ context.Context, o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.outcomes {
		if existing.RecipientIndex == o.RecipientIndex {
			return fmt.Errorf("duplicate outcome for recipient %d", o.RecipientIndex)
		}
	}
	s.outcomes = append(s.outcomes, o)
	if s.cancelAfter > 0 && len(s.outcomes) >= s.cancelAfter && s.state == domain.JobStateRunning {
		s.state = domain.JobStateCancelled
	}
	if s.log != nil {
		s.log.add(fmt.Sprintf("outcome:%d", o.RecipientIndex))
	}
	return nil
}

func (s *fakeStore) UpdateJobCounts(_ context.Context, _ string, counts domain.Counts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts.Total = s.total
	s.counts = counts
	return nil
}

// FinalizeJob models the real SQL: a RUNNING job takes the requested
// state; a CANCELLED job keeps its state and reason and reports the
// takeover through ErrJobTerminal.
func (s *fakeStore) FinalizeJob(_ context.Context, _, state, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.JobStateRunning:
		s.state = state
		s.finalState = state
		s.finalReason = reason
		return nil
	case domain.JobStateCancelled:
		s.finalState = domain.JobStateCancelled
		if state != domain.JobStateCancelled {
			return domain.ErrJobTerminal
		}
		return nil
	default:
		return domain.ErrJobTerminal
	}
}

func (s *fakeStore) MarkRemainingCancelled(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.total - len(s.outcomes)
	for i := 0; i < remaining; i++ {
		s.outcomes = append(s.outcomes, domain.Outcome{Status: domain.OutcomeCancelled, RecipientIndex: -1 - i})
	}
	return remaining, nil
}

func (s *fakeStore) outcomeByIndex(idx int) (domain.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outcomes {
		if o.RecipientIndex == idx {
			return o, true
		}
	}
	return domain.Outcome{}, false
}

// slowCountsStore stalls counts writes longer the smaller the tally is.
// Overlapping writes would then complete newest-first, leaving the oldest
// snapshot as the durable row.
type slowCountsStore struct {
	*fakeStore
}

func (s *slowCountsStore) UpdateJobCounts(ctx context.Context, jobID string, counts domain.Counts) error {
	settled := counts.Sent + counts.Failed + counts.Skipped + counts.Cancelled
	time.Sleep(time.Duration(s.total-settled) * 2 * time.Millisecond)
	return s.fakeStore.UpdateJobCounts(ctx, jobID, counts)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
	log    *opsLog
}

func (p *fakePublisher) Publish(_ context.Context, ev domain.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.log != nil {
		p.log.add("event:" + ev.Type)
	}
	return nil
}

func (p *fakePublisher) byType(eventType string) []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ProgressEvent
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// nopCache never reports a duplicate.
type nopCache struct{}

func (nopCache) CheckAndRecord(_ context.Context, ownerID, template, phone string, vars map[string]string) (dedupe.Result, error) {
	return dedupe.Result{Fingerprint: dedupe.Fingerprint(ownerID, template, phone, vars)}, nil
}

type fakeCredits struct {
	err error
}

func (c *fakeCredits) Check(context.Context, string, int) error {
	return c.err
}

func testConfig() Config {
	return Config{
		BatchSize:      50,
		Concurrency:    5,
		MaxRetries:     3,
		BatchPause:     time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
		RatePerSecond:  100000,
	}
}

func testJob(total int) (*domain.Job, []domain.Recipient) {
	job := &domain.Job{
		ID:      "job-1",
		OwnerID: "owner-1",
		Template: domain.TemplateRef{
			Name:     "order_update",
			Language: "en_US",
			Category: "UTILITY",
		},
		Variables: map[string]string{"1": "hello"},
		State:     domain.JobStateRunning,
		Counts:    domain.Counts{Total: total},
	}
	recipients := make([]domain.Recipient, total)
	for i := range recipients {
		recipients[i] = domain.Recipient{Index: i, Phone: fmt.Sprintf("849123456%02d", i)}
	}
	return job, recipients
}

func newTestEngine(cfg Config, d Dispatcher, cache dedupe.Cache, store Store, pub Publisher, credits CreditChecker) *Engine {
	creds := StaticCredentials{AccessToken: "tok", PhoneNumberID: "555"}
	return New(cfg, d, cache, store, pub, creds, credits, logger.NewNop().Logger)
}

func TestRun_AllRecipientsSucceed(t *testing.T) {
	log := &opsLog{}
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(3, log)
	pub := &fakePublisher{log: log}
	job, recipients := testJob(3)

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, domain.JobStateCompleted, store.finalState)
	assert.Equal(t, 3, dispatcher.callCount())
	assert.Equal(t, 3, store.counts.Sent)
	assert.Equal(t, 0, store.counts.Failed)
	assert.Equal(t, 0, store.counts.Pending())

	for i := 0; i < 3; i++ {
		o, ok := store.outcomeByIndex(i)
		require.True(t, ok, "recipient %d has no outcome", i)
		assert.Equal(t, domain.OutcomeSuccess, o.Status)
		assert.NotEmpty(t, o.ProviderMessageID)
	}

	assert.Len(t, pub.byType(domain.EventMessageResult), 3)
	assert.Len(t, pub.byType(domain.EventJobCompleted), 1)
	assert.Len(t, pub.byType(domain.EventBatchProgress), 1)
}

func TestRun_OutcomePersistedBeforeEventPublished(t *testing.T) {
	log := &opsLog{}
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(1, log)
	pub := &fakePublisher{log: log}
	job, recipients := testJob(1)

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	entries := log.snapshot()
	outcomePos, eventPos := -1, -1
	for i, entry := range entries {
		switch entry {
		case "outcome:0":
			outcomePos = i
		case "event:" + domain.EventMessageResult:
			eventPos = i
		}
	}
	require.GreaterOrEqual(t, outcomePos, 0)
	require.GreaterOrEqual(t, eventPos, 0)
	assert.Less(t, outcomePos, eventPos, "outcome must be durable before its event is published")
}

func TestRun_DuplicateRecipientSuppressed(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(2, nil)
	pub := &fakePublisher{}
	job, _ := testJob(2)
	// same phone and variables twice within the TTL window
	recipients := []domain.Recipient{
		{Index: 0, Phone: "84912345678"},
		{Index: 1, Phone: "84912345678"},
	}

	cfg := testConfig()
	cfg.Concurrency = 1 // deterministic order within the batch
	eng := newTestEngine(cfg, dispatcher, dedupe.NewMemoryCache(time.Minute), store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, 1, dispatcher.callCount(), "dispatch client invoked only once for identical sends")
	assert.Equal(t, domain.JobStateCompleted, store.finalState)
	assert.Equal(t, 1, store.counts.Sent)
	assert.Equal(t, 1, store.counts.Skipped)

	second, ok := store.outcomeByIndex(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSkipped, second.Status)
}

func TestRun_PermanentFailureDoesNotAbortJob(t *testing.T) {
	dispatcher := &fakeDispatcher{
		respond: func(in whatsapp.SendTemplateInput) (string, error) {
			if in.To == "84912345601" {
				return "", domain.NewPermanentError("parameter_count_mismatch", errors.New("bad params"))
			}
			return "wamid.ok", nil
		},
	}
	store := newFakeStore(5, nil)
	pub := &fakePublisher{}
	job, recipients := testJob(5)

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, domain.JobStateCompleted, store.finalState)
	assert.Equal(t, 4, store.counts.Sent)
	assert.Equal(t, 1, store.counts.Failed)
	assert.Equal(t, 5, dispatcher.callCount(), "permanent errors are not retried")

	failed, ok := store.outcomeByIndex(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailed, failed.Status)
	assert.Equal(t, domain.ErrorKindPermanent, failed.ErrorKind)
}

func TestRun_RetryableFailureRetriedExactlyMaxRetriesPlusOne(t *testing.T) {
	dispatcher := &fakeDispatcher{
		respond: func(whatsapp.SendTemplateInput) (string, error) {
			return "", domain.NewRetryableError(errors.New("provider 503"))
		},
	}
	store := newFakeStore(1, nil)
	pub := &fakePublisher{}
	job, recipients := testJob(1)
	job.MaxRetries = 3

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, 4, dispatcher.callCount(), "maxRetries+1 attempts in total")
	assert.Equal(t, domain.JobStateCompleted, store.finalState)

	o, ok := store.outcomeByIndex(0)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailed, o.Status)
	assert.Equal(t, domain.ErrorKindRetryable, o.ErrorKind)
}

func TestRun_CompletedJobPersistsFinalCounts(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := &slowCountsStore{fakeStore: newFakeStore(5, nil)}
	pub := &fakePublisher{}
	job, recipients := testJob(5)

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, domain.JobStateCompleted, store.finalState)
	assert.Equal(t, 5, store.counts.Sent, "a stale snapshot must never outlive a newer one")
	assert.Equal(t, 0, store.counts.Pending())
}

func TestRun_CancelledDuringFinalBatchReportsCancelled(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(2, nil)
	store.cancelAfter = 2
	pub := &fakePublisher{}
	job, recipients := testJob(2)

	cfg := testConfig()
	cfg.Concurrency = 1
	eng := newTestEngine(cfg, dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	// cancellation landed after the last state check, so the engine only
	// learns about it from finalization
	assert.Equal(t, 2, dispatcher.callCount())
	assert.Equal(t, domain.JobStateCancelled, store.finalState)
	assert.Empty(t, store.finalReason)
	assert.Equal(t, 0, store.counts.Pending())

	completed := pub.byType(domain.EventJobCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, domain.JobStateCancelled, completed[0].Payload["state"])
}

func TestRun_ResumedJobContinuesFromSettledTally(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(5, nil)
	pub := &fakePublisher{}
	job, recipients := testJob(5)

	// first two recipients were settled by an interrupted earlier run
	store.outcomes = []domain.Outcome{
		{RecipientIndex: 0, Status: domain.OutcomeSuccess},
		{RecipientIndex: 1, Status: domain.OutcomeSuccess},
	}
	job.Counts = domain.Counts{Total: 5, Sent: 2}

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients[2:]))

	assert.Equal(t, 3, dispatcher.callCount(), "settled recipients are not re-sent")
	assert.Equal(t, domain.JobStateCompleted, store.finalState)
	assert.Equal(t, 5, store.counts.Sent)
	assert.Equal(t, 0, store.counts.Pending())
}

func TestRun_CancelledAfterFirstBatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(3, nil)
	store.cancelAfter = 1
	pub := &fakePublisher{}
	job, recipients := testJob(3)

	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Concurrency = 1
	eng := newTestEngine(cfg, dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, domain.JobStateCancelled, store.finalState)
	assert.Equal(t, 1, dispatcher.callCount(), "no dispatch after cancellation is observed")
	assert.Equal(t, 2, store.counts.Cancelled)
	assert.Equal(t, 0, store.counts.Pending())

	completed := pub.byType(domain.EventJobCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, domain.JobStateCancelled, completed[0].Payload["state"])
}

func TestRun_SystemicErrorAbortsRemainingJob(t *testing.T) {
	dispatcher := &fakeDispatcher{
		respond: func(whatsapp.SendTemplateInput) (string, error) {
			return "", fmt.Errorf("send: %w", domain.ErrUnauthorized)
		},
	}
	store := newFakeStore(10, nil)
	pub := &fakePublisher{}
	job, recipients := testJob(10)

	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.Concurrency = 1
	eng := newTestEngine(cfg, dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, domain.JobStateFailed, store.finalState)
	assert.Contains(t, store.finalReason, "credentials rejected")
	assert.LessOrEqual(t, dispatcher.callCount(), 2, "no batches after the aborting one")
	assert.Equal(t, 0, store.counts.Pending(), "every recipient still ends in a terminal outcome")
	assert.Len(t, pub.byType(domain.EventJobFailed), 1)
}

func TestRun_CreditExhaustionFailsJobBeforeDispatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(3, nil)
	pub := &fakePublisher{}
	job, recipients := testJob(3)

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, &fakeCredits{err: domain.ErrCreditsExhausted})
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, domain.JobStateFailed, store.finalState)
	assert.Equal(t, 0, dispatcher.callCount())
	assert.Equal(t, 3, store.counts.Cancelled)
}

func TestRun_RecipientOverrideWinsOverJobVariables(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(1, nil)
	pub := &fakePublisher{}
	job, _ := testJob(1)
	job.Variables = map[string]string{"1": "Alice", "2": "default"}
	recipients := []domain.Recipient{
		{Index: 0, Phone: "84912345678", Variables: map[string]string{"2": "override"}},
	}

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	require.Equal(t, 1, dispatcher.callCount())
	dispatcher.mu.Lock()
	sent := dispatcher.calls[0]
	dispatcher.mu.Unlock()
	assert.Equal(t, "Alice", sent.Variables["1"])
	assert.Equal(t, "override", sent.Variables["2"])
}

func TestRun_InvalidRecipientRecordedWithoutProviderCall(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := newFakeStore(2, nil)
	pub := &fakePublisher{}
	job, _ := testJob(2)
	recipients := []domain.Recipient{
		{Index: 0, Phone: "12"},
		{Index: 1, Phone: "84912345678"},
	}

	eng := newTestEngine(testConfig(), dispatcher, nopCache{}, store, pub, nil)
	require.NoError(t, eng.Run(context.Background(), job, recipients))

	assert.Equal(t, 1, dispatcher.callCount())
	assert.Equal(t, domain.JobStateCompleted, store.finalState)

	bad, ok := store.outcomeByIndex(0)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailed, bad.Status)
	assert.Equal(t, domain.ErrorKindPermanent, bad.ErrorKind)
}
