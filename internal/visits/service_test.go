package visits

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/invite"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/mail"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/metrics"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var visitNow = time.Date(2024, time.October, 1, 9, 30, 0, 0, time.UTC)

type recordingMailer struct {
	mu       sync.Mutex
	messages []mail.Message
	err      error
}

func (m *recordingMailer) Send(_ context.Context, message mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, message)
	return nil
}

func (m *recordingMailer) sent() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.messages...)
}

type failingDirectory struct {
	err error
}

func (d failingDirectory) FindUser(context.Context, directory.Username) (directory.UserRecord, bool, error) {
	return directory.UserRecord{}, false, d.err
}

func (d failingDirectory) AppendVisit(context.Context, directory.VisitRecord) (directory.VisitRecord, directory.AppendResult, error) {
	return directory.VisitRecord{}, 0, d.err
}

func (d failingDirectory) ListVisits(context.Context, directory.Username, time.Time, time.Time) ([]directory.VisitRecord, error) {
	return nil, d.err
}

type harness struct {
	service *Service
	store   *directory.Store
	mailer  *recordingMailer
	issuer  *invite.Issuer
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
	clock   *time.Time
}

func newTestStore(t *testing.T) *directory.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "visits.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	split, err := directory.NewSplitBackend(directory.SplitBackendConfig{Database: db, UserTable: "visit_users", VisitTable: "visit_ledger"})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	store, err := directory.NewStore(directory.StoreConfig{Mode: directory.ModeNewOnly, Split: split})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newHarness(t *testing.T, dir Directory) harness {
	t.Helper()
	now := visitNow
	clock := func() time.Time { return now }

	issuer, err := invite.NewIssuer(invite.IssuerConfig{SigningSecret: []byte("visit-secret"), Clock: clock})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	composer, err := mail.NewComposer(mail.ComposerConfig{BaseURL: "https://visit.cumaker.space"})
	if err != nil {
		t.Fatalf("failed to create composer: %v", err)
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	core, logs := observer.New(zap.DebugLevel)
	mailer := &recordingMailer{}

	var store *directory.Store
	if dir == nil {
		store = newTestStore(t)
		dir = store
	}
	service, err := NewService(ServiceConfig{
		Directory: dir,
		Invites:   issuer,
		Composer:  composer,
		Mailer:    mailer,
		Clock:     clock,
		Logger:    zap.New(core),
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return harness{service: service, store: store, mailer: mailer, issuer: issuer, metrics: m, logs: logs, clock: &now}
}

func (h harness) register(t *testing.T, username string, registeredAt time.Time) {
	t.Helper()
	_, err := h.store.PutUser(context.Background(), directory.UserRecord{
		Username:     directory.Username(username),
		DisplayName:  username,
		RegisteredAt: registeredAt,
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func TestLogVisitRecordsKnownUser(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice", visitNow.Add(-24*time.Hour))

	result, err := h.service.LogVisit(context.Background(), Request{Username: "  Alice ", Source: "kiosk", Location: "Watt"})
	if err != nil {
		t.Fatalf("log visit failed: %v", err)
	}
	if result.Status != StatusLogged || result.MailDegraded {
		t.Fatalf("unexpected result %+v", result)
	}

	visits, err := h.store.ListVisits(context.Background(), "alice", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("expected one visit, got %d", len(visits))
	}
	if !visits[0].VisitedAt.Equal(visitNow) || visits[0].Source != directory.SourceKiosk || visits[0].Location != "Watt" {
		t.Fatalf("unexpected visit %+v", visits[0])
	}
	if len(h.mailer.sent()) != 0 {
		t.Fatalf("expected no mail for a known user")
	}
	if got := testutil.ToFloat64(h.metrics.VisitsLogged.WithLabelValues("kiosk")); got != 1 {
		t.Fatalf("expected visit metric 1, got %v", got)
	}
}

func TestLogVisitInvitesUnknownUser(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.service.LogVisit(context.Background(), Request{Username: "Bob", Source: "walk-in"})
	if err != nil {
		t.Fatalf("log visit failed: %v", err)
	}
	if result.Status != StatusRegistrationRequired || result.MailDegraded {
		t.Fatalf("unexpected result %+v", result)
	}

	messages := h.mailer.sent()
	if len(messages) != 1 {
		t.Fatalf("expected one invite email, got %d", len(messages))
	}
	if messages[0].To != "bob@clemson.edu" || messages[0].Subject != mail.InviteSubject {
		t.Fatalf("unexpected message %+v", messages[0])
	}

	visits, err := h.store.ListVisits(context.Background(), "bob", time.Time{}, time.Time{})
	if err != nil || len(visits) != 0 {
		t.Fatalf("expected no visit for unknown user, got %d (%v)", len(visits), err)
	}
	if got := testutil.ToFloat64(h.metrics.InvitesIssued); got != 1 {
		t.Fatalf("expected invite metric 1, got %v", got)
	}
}

func TestLogVisitFlagsMailDegraded(t *testing.T) {
	h := newHarness(t, nil)
	h.mailer.err = mail.ErrUnavailable

	result, err := h.service.LogVisit(context.Background(), Request{Username: "bob", Source: "walk-in"})
	if err != nil {
		t.Fatalf("expected mail failure to be absorbed, got %v", err)
	}
	if result.Status != StatusRegistrationRequired || !result.MailDegraded {
		t.Fatalf("expected degraded registration-required, got %+v", result)
	}
	if got := testutil.ToFloat64(h.metrics.MailFailures); got != 1 {
		t.Fatalf("expected mail failure metric 1, got %v", got)
	}
}

func TestLogVisitRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	requests := []Request{
		{Username: "", Source: "kiosk"},
		{Username: "has space", Source: "kiosk"},
		{Username: "alice", Source: "drone"},
		{Username: "alice", Source: "kiosk", Location: strings.Repeat("x", 65)},
	}
	for _, request := range requests {
		_, err := h.service.LogVisit(context.Background(), request)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("request %+v: expected invalid input, got %v", request, err)
		}
	}
	if len(h.mailer.sent()) != 0 {
		t.Fatalf("expected no mail on invalid input")
	}
}

func TestLogVisitSurfacesStoreUnavailable(t *testing.T) {
	h := newHarness(t, failingDirectory{err: directory.ErrUnavailable})

	_, err := h.service.LogVisit(context.Background(), Request{Username: "alice", Source: "kiosk"})
	if !errors.Is(err, directory.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "visits.log_visit.find_user_failed" {
		t.Fatalf("unexpected error code: %v", err)
	}
	if h.logs.FilterMessage("visits service error").Len() != 1 {
		t.Fatalf("expected the failure to be logged")
	}
}

func TestLogVisitNeverPrecedesRegistration(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "carol", visitNow.Add(time.Minute))

	result, err := h.service.LogVisit(context.Background(), Request{Username: "carol", Source: "kiosk"})
	if err != nil {
		t.Fatalf("log visit failed: %v", err)
	}
	if result.Visit == nil || result.Visit.VisitedAt.Before(visitNow.Add(time.Minute)) {
		t.Fatalf("expected visit not before registration, got %+v", result.Visit)
	}
}

func TestLogVisitRecordsRepeatVisitsInsideWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice", visitNow.Add(-time.Hour))

	if _, err := h.service.LogVisit(context.Background(), Request{Username: "alice", Source: "kiosk"}); err != nil {
		t.Fatalf("first visit failed: %v", err)
	}
	*h.clock = visitNow.Add(20 * time.Second)
	if _, err := h.service.LogVisit(context.Background(), Request{Username: "alice", Source: "kiosk"}); err != nil {
		t.Fatalf("second visit failed: %v", err)
	}

	visits, err := h.store.ListVisits(context.Background(), "alice", time.Time{}, time.Time{})
	if err != nil || len(visits) != 2 {
		t.Fatalf("expected both visits recorded, got %d (%v)", len(visits), err)
	}
	if got := testutil.ToFloat64(h.metrics.RepeatVisits); got != 1 {
		t.Fatalf("expected one repeat visit, got %v", got)
	}
}

func TestLogVisitForRegisteredUserIgnoresOutstandingInvite(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.service.LogVisit(context.Background(), Request{Username: "dave", Source: "kiosk"}); err != nil {
		t.Fatalf("first visit failed: %v", err)
	}
	h.register(t, "dave", visitNow)

	result, err := h.service.LogVisit(context.Background(), Request{Username: "dave", Source: "kiosk"})
	if err != nil {
		t.Fatalf("second visit failed: %v", err)
	}
	if result.Status != StatusLogged {
		t.Fatalf("expected logged, got %s", result.Status)
	}
	if len(h.mailer.sent()) != 1 {
		t.Fatalf("expected no further invite, got %d messages", len(h.mailer.sent()))
	}
}
