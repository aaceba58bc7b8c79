package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/invite"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/mail"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/reconcile"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/registration"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/visits"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var tokenPattern = regexp.MustCompile(`token=([A-Za-z0-9_.\-]+)`)

type recordingMailer struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (m *recordingMailer) Send(_ context.Context, message mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

func (m *recordingMailer) sent() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.messages...)
}

// refusingLegacy rejects every user write while serving reads normally.
type refusingLegacy struct {
	*directory.LegacyBackend
}

func (r refusingLegacy) PutUser(context.Context, directory.UserRecord) (directory.PutResult, error) {
	return 0, errors.New("legacy table unreachable")
}

type testApp struct {
	handler http.Handler
	store   *directory.Store
	mailer  *recordingMailer
	queue   *reconcile.DatabaseQueue
}

func openScenarioDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "visit.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestApp(t *testing.T, mode directory.Mode, failLegacyWrites bool) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := openScenarioDatabase(t)

	legacyBackend, err := directory.NewLegacyBackend(directory.LegacyBackendConfig{Database: db, Table: "visit_legacy"})
	if err != nil {
		t.Fatalf("failed to create legacy backend: %v", err)
	}
	splitBackend, err := directory.NewSplitBackend(directory.SplitBackendConfig{Database: db, UserTable: "visit_users", VisitTable: "visit_ledger"})
	if err != nil {
		t.Fatalf("failed to create split backend: %v", err)
	}
	queue, err := reconcile.NewDatabaseQueue(db, "")
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	var legacy directory.Backend = legacyBackend
	if failLegacyWrites {
		legacy = refusingLegacy{LegacyBackend: legacyBackend}
	}
	store, err := directory.NewStore(directory.StoreConfig{
		Mode:    mode,
		Legacy:  legacy,
		Split:   splitBackend,
		Pending: queue,
		Retry:   directory.RetryPolicy{Budget: 1, Initial: time.Millisecond, Ceiling: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(store.Wait)

	issuer, err := invite.NewIssuer(invite.IssuerConfig{SigningSecret: []byte("scenario-secret")})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	composer, err := mail.NewComposer(mail.ComposerConfig{BaseURL: testOrigin})
	if err != nil {
		t.Fatalf("failed to create composer: %v", err)
	}
	mailer := &recordingMailer{}

	visitService, err := visits.NewService(visits.ServiceConfig{
		Directory: store,
		Invites:   issuer,
		Composer:  composer,
		Mailer:    mailer,
	})
	if err != nil {
		t.Fatalf("failed to create visit service: %v", err)
	}
	registrar, err := registration.NewService(registration.ServiceConfig{Directory: store, Verifier: issuer})
	if err != nil {
		t.Fatalf("failed to create registrar: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Visits:        visitService,
		Registrations: registrar,
		AllowedOrigin: testOrigin,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testApp{handler: handler, store: store, mailer: mailer, queue: queue}
}

func (a *testApp) seedUser(t *testing.T, username, displayName string) {
	t.Helper()
	_, err := a.store.PutUser(context.Background(), directory.UserRecord{
		Username:     directory.Username(username),
		DisplayName:  displayName,
		RegisteredAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to seed %s: %v", username, err)
	}
}

func (a *testApp) visitCount(t *testing.T, username string) int {
	t.Helper()
	visits, err := a.store.ListVisits(context.Background(), directory.Username(username), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("failed to list visits: %v", err)
	}
	return len(visits)
}

func tokenFrom(t *testing.T, message mail.Message) string {
	t.Helper()
	match := tokenPattern.FindStringSubmatch(message.TextBody)
	if match == nil {
		t.Fatalf("no registration link in %q", message.TextBody)
	}
	return match[1]
}

func TestKnownUserVisitIsLogged(t *testing.T) {
	app := newTestApp(t, directory.ModeNewOnly, false)
	app.seedUser(t, "alice", "Alice")

	before := time.Now().UTC()
	recorder := postJSON(app.handler, "/visit", `{"username":"alice","source":"kiosk"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["status"] != "logged" {
		t.Fatalf("unexpected body %v", body)
	}

	ledger, err := app.store.ListVisits(context.Background(), "alice", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("failed to list visits: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("expected one visit, got %d", len(ledger))
	}
	if ledger[0].VisitedAt.Before(before.Add(-time.Second)) || ledger[0].VisitedAt.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("visit time %v is not close to now", ledger[0].VisitedAt)
	}
	if len(app.mailer.sent()) != 0 {
		t.Fatalf("expected no mail for a known user")
	}
}

func TestUnknownUserRegistersThenVisits(t *testing.T) {
	app := newTestApp(t, directory.ModeNewOnly, false)

	recorder := postJSON(app.handler, "/visit", `{"username":"bob","source":"walk-in"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["status"] != "registration-required" {
		t.Fatalf("unexpected body %v", body)
	}
	sent := app.mailer.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one invite, got %d", len(sent))
	}
	if sent[0].To != "bob@clemson.edu" || sent[0].Subject != mail.InviteSubject {
		t.Fatalf("unexpected invite %+v", sent[0])
	}
	if count := app.visitCount(t, "bob"); count != 0 {
		t.Fatalf("expected no visit for an unregistered user, got %d", count)
	}

	token := tokenFrom(t, sent[0])
	recorder = postJSON(app.handler, "/register", `{"token":"`+token+`","profile":{"display_name":"Bob"}}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["status"] != "registered" {
		t.Fatalf("unexpected body %v", body)
	}

	recorder = postJSON(app.handler, "/visit", `{"username":"bob","source":"walk-in"}`)
	if body := decodeBody(t, recorder); recorder.Code != http.StatusOK || body["status"] != "logged" {
		t.Fatalf("expected logged visit after registration, got %d %v", recorder.Code, body)
	}
	if count := app.visitCount(t, "bob"); count != 1 {
		t.Fatalf("expected one visit, got %d", count)
	}

	recorder = postJSON(app.handler, "/register", `{"token":"`+token+`","profile":{"display_name":"Bob"}}`)
	if body := decodeBody(t, recorder); recorder.Code != http.StatusOK || body["idempotent"] != true {
		t.Fatalf("expected idempotent repeat, got %d %v", recorder.Code, body)
	}

	recorder = postJSON(app.handler, "/register", `{"token":"`+token+`","profile":{"display_name":"Robert"}}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["status"] != "conflict" {
		t.Fatalf("unexpected conflict body %v", body)
	}
	stored, _, err := app.store.FindUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if stored.DisplayName != "Bob" {
		t.Fatalf("expected stored user unchanged, got %q", stored.DisplayName)
	}
}

func TestDualWriteMirrorFailureIsQueued(t *testing.T) {
	app := newTestApp(t, directory.ModeDualWrite, true)
	ctx := context.Background()

	recorder := postJSON(app.handler, "/visit", `{"username":"carol","source":"kiosk"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	token := tokenFrom(t, app.mailer.sent()[0])

	recorder = postJSON(app.handler, "/register", `{"token":"`+token+`","profile":{"display_name":"Carol"}}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["status"] != "registered" {
		t.Fatalf("unexpected body %v", body)
	}

	pending, err := app.queue.Len(ctx)
	if err != nil {
		t.Fatalf("failed to read queue length: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected one pending entry, got %d", pending)
	}
	entry, found, err := app.queue.Pop(ctx)
	if err != nil || !found {
		t.Fatalf("expected a pending entry, found=%v err=%v", found, err)
	}
	if entry.Username != "carol" || entry.Kind != directory.PendingUser {
		t.Fatalf("unexpected pending entry %+v", entry)
	}
}

func TestInvalidVisitTouchesNothing(t *testing.T) {
	app := newTestApp(t, directory.ModeNewOnly, false)

	recorder := postJSON(app.handler, "/visit", `{"username":"","source":"kiosk"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "invalid_input" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(app.mailer.sent()) != 0 {
		t.Fatalf("expected no mail for invalid input")
	}

	recorder = postJSON(app.handler, "/visit", `{"username":"alice","source":"drone"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown source to be rejected, got %d", recorder.Code)
	}
}

func TestExpiredInviteIsGone(t *testing.T) {
	app := newTestApp(t, directory.ModeNewOnly, false)

	past := time.Now().Add(-30 * 24 * time.Hour)
	issuer, err := invite.NewIssuer(invite.IssuerConfig{
		SigningSecret: []byte("scenario-secret"),
		TTL:           time.Hour,
		Clock:         func() time.Time { return past },
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	stale, err := issuer.Issue(context.Background(), "dave")
	if err != nil {
		t.Fatalf("failed to issue: %v", err)
	}

	recorder := postJSON(app.handler, "/register", `{"token":"`+stale.Token+`","profile":{"display_name":"Dave"}}`)
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = postJSON(app.handler, "/register", `{"token":"not-a-token","profile":{"display_name":"Dave"}}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for garbage token, got %d", recorder.Code)
	}
}
