package hifetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/domain/consent"
	"github.com/abdm-hiu/abdm-core/internal/domain/record"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/gateway"
	"github.com/abdm-hiu/abdm-core/internal/platform/hicrypto"
)

// fetchRepo is an in-memory Repository for pipeline tests.
type fetchRepo struct {
	mu      sync.Mutex
	fetches map[uuid.UUID]*FetchRequest
	logs    []*ProcessingLog
	dedup   map[string]bool
}

func newFetchRepo() *fetchRepo {
	return &fetchRepo{
		fetches: make(map[uuid.UUID]*FetchRequest),
		dedup:   make(map[string]bool),
	}
}

func (m *fetchRepo) InsertFetch(_ context.Context, f *FetchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.fetches[f.ID] = &cp
	return nil
}

func (m *fetchRepo) GetFetch(_ context.Context, id uuid.UUID) (*FetchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fetches[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (m *fetchRepo) GetFetchByABDMID(_ context.Context, abdmID string) (*FetchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.fetches {
		if f.ABDMRequestID != nil && *f.ABDMRequestID == abdmID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *fetchRepo) LockFetch(_ context.Context, id uuid.UUID) (*FetchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fetches[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (m *fetchRepo) SetABDMRequestID(_ context.Context, id uuid.UUID, abdmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fetches[id]
	if !ok {
		return errors.New("fetch not found")
	}
	f.ABDMRequestID = &abdmID
	return nil
}

func (m *fetchRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string, errReason *string, terminalAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fetches[id]
	if !ok {
		return errors.New("fetch not found")
	}
	f.Status = status
	f.ErrorReason = errReason
	f.TerminalAt = terminalAt
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *fetchRepo) UpdateBookkeeping(_ context.Context, f *FetchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.fetches[f.ID]
	if !ok {
		return errors.New("fetch not found")
	}
	cur.Status = f.Status
	cur.TotalRecords = f.TotalRecords
	cur.ReceivedRecords = f.ReceivedRecords
	cur.ProcessedRecords = f.ProcessedRecords
	cur.FailedRecords = f.FailedRecords
	cur.EndOfStream = f.EndOfStream
	cur.ErrorReason = f.ErrorReason
	cur.TerminalAt = f.TerminalAt
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *fetchRepo) InsertLog(_ context.Context, l *ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *fetchRepo) LogsByFetch(_ context.Context, id uuid.UUID) ([]*ProcessingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcessingLog
	for _, l := range m.logs {
		if l.FetchRequestID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *fetchRepo) StaleLive(_ context.Context, cutoff time.Time, limit int) ([]*FetchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FetchRequest
	for _, f := range m.fetches {
		if (f.Status == StatusPending || f.Status == StatusProcessing) && f.UpdatedAt.Before(cutoff) {
			cp := *f
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *fetchRepo) RememberCallback(_ context.Context, abdmRequestID, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := abdmRequestID + "|" + dedupKey
	if m.dedup[key] {
		return false, nil
	}
	m.dedup[key] = true
	return true, nil
}

// stageOutcomes summarizes the log trail for one fetch as "STAGE:OUTCOME".
func (m *fetchRepo) stageOutcomes(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.logs {
		if l.FetchRequestID == id {
			out = append(out, l.Stage+":"+l.Outcome)
		}
	}
	return out
}

// recordStore is an in-memory record.Repository. Missing rows follow the
// repo convention of returning pgx.ErrNoRows.
type recordStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*record.HealthRecord
}

func newRecordStore() *recordStore {
	return &recordStore{rows: make(map[uuid.UUID]*record.HealthRecord)}
}

func (m *recordStore) Insert(_ context.Context, r *record.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *recordStore) GetByID(_ context.Context, id uuid.UUID) (*record.HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (m *recordStore) ActiveByABDMRecordID(_ context.Context, abdmID string) (*record.HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ABDMRecordID != nil && *r.ABDMRecordID == abdmID && r.Status == record.StatusActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *recordStore) MarkStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return pgx.ErrNoRows
	}
	r.Status = status
	return nil
}

func (m *recordStore) FindByPatient(_ context.Context, patientID uuid.UUID, f record.Filters, limit, offset int) ([]*record.HealthRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*record.HealthRecord
	for _, r := range m.rows {
		if r.PatientID == patientID && r.Status == record.StatusActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *recordStore) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Status == record.StatusActive {
			n++
		}
	}
	return n
}

// consentStub serves one granted consent through the consent.Repository
// interface; everything the fetch path does not touch is inert.
type consentStub struct {
	cr  *consent.ConsentRequest
	art *consent.ConsentArtifact
}

func (s *consentStub) InsertRequest(context.Context, *consent.ConsentRequest) error { return nil }

func (s *consentStub) GetRequest(_ context.Context, id uuid.UUID) (*consent.ConsentRequest, error) {
	if s.cr != nil && s.cr.ID == id {
		cp := *s.cr
		return &cp, nil
	}
	return nil, nil
}

func (s *consentStub) GetRequestByABDMID(context.Context, string) (*consent.ConsentRequest, error) {
	return nil, nil
}

func (s *consentStub) UpdateRequestStatus(context.Context, uuid.UUID, string, *string, bool) error {
	return nil
}

func (s *consentStub) SetABDMRequestID(context.Context, uuid.UUID, string) error { return nil }

func (s *consentStub) InsertArtifact(context.Context, *consent.ConsentArtifact) error { return nil }

func (s *consentStub) ActiveArtifactByRequest(_ context.Context, id uuid.UUID) (*consent.ConsentArtifact, error) {
	if s.art != nil && s.art.ConsentRequestID == id && s.art.Status == consent.ArtifactActive {
		cp := *s.art
		return &cp, nil
	}
	return nil, nil
}

func (s *consentStub) ArtifactByRequest(_ context.Context, id uuid.UUID) (*consent.ConsentArtifact, error) {
	if s.art != nil && s.art.ConsentRequestID == id {
		cp := *s.art
		return &cp, nil
	}
	return nil, nil
}

func (s *consentStub) UpdateArtifactStatus(context.Context, uuid.UUID, string) error { return nil }

func (s *consentStub) ActiveConsents(context.Context, uuid.UUID, int, int) ([]consent.ActiveConsent, int, error) {
	return nil, 0, nil
}

func (s *consentStub) ExpiredRequests(context.Context, int) ([]consent.ConsentRequest, error) {
	return nil, nil
}

func (s *consentStub) ExpiredArtifacts(context.Context, int) ([]consent.ConsentArtifact, error) {
	return nil, nil
}

func (s *consentStub) RememberCallback(context.Context, string, string) (bool, error) {
	return true, nil
}

// auditStub swallows audit writes.
type auditStub struct{}

func (auditStub) AppendEvent(context.Context, *audit.ConsentEvent) error { return nil }
func (auditStub) EventsByConsent(context.Context, uuid.UUID) ([]*audit.ConsentEvent, error) {
	return nil, nil
}
func (auditStub) EventsByRecord(context.Context, uuid.UUID) ([]*audit.ConsentEvent, error) {
	return nil, nil
}
func (auditStub) AppendAccess(context.Context, *audit.AccessEntry) error { return nil }
func (auditStub) AccessByRecord(context.Context, uuid.UUID) ([]*audit.AccessEntry, error) {
	return nil, nil
}

type fetchEnv struct {
	svc  *Service
	repo *fetchRepo
	recs *recordStore
	stub *consentStub
	dec  *hicrypto.Decryptor
	km   []byte
}

// newFetchEnv wires a Service over in-memory repositories, one granted
// consent, and an httptest gateway.
func newFetchEnv(t *testing.T, gwHandler http.HandlerFunc, opts Options) *fetchEnv {
	t.Helper()

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accessToken":"tok","tokenType":"bearer","expiresIn":900}`))
	}))
	api := httptest.NewServer(gwHandler)
	t.Cleanup(auth.Close)
	t.Cleanup(api.Close)
	gw := gateway.New(gateway.Config{
		BaseURL:      api.URL,
		AuthURL:      auth.URL,
		ClientID:     "hiu-client",
		ClientSecret: "secret",
		Timeout:      2 * time.Second,
		MaxRetries:   0,
	}, zerolog.Nop())

	dec, err := hicrypto.NewDecryptor(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("decryptor: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	abdmID := "abdm-consent-1"
	km := bytes.Repeat([]byte{0x11}, 32)
	stub := &consentStub{}
	stub.cr = &consent.ConsentRequest{
		ID:            uuid.New(),
		PatientID:     uuid.New(),
		PatientAbhaID: "12-3456-7890-1234",
		HITypes:       []string{"DiagnosticReport", "Prescription"},
		DateRangeFrom: now.AddDate(-1, 0, 0),
		DateRangeTo:   now,
		ExpiresAt:     now.Add(24 * time.Hour),
		ABDMRequestID: &abdmID,
		Status:        consent.StatusGranted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stub.art = &consent.ConsentArtifact{
		ID:               uuid.New(),
		ConsentRequestID: stub.cr.ID,
		ABDMArtifactID:   "art-1",
		HITypes:          stub.cr.HITypes,
		DateRangeFrom:    stub.cr.DateRangeFrom,
		DateRangeTo:      stub.cr.DateRangeTo,
		DataEraseAt:      now.Add(48 * time.Hour),
		KeyMaterial:      km,
		GrantedAt:        now,
		ExpiresAt:        stub.cr.ExpiresAt,
		Status:           consent.ArtifactActive,
	}

	audits := audit.NewService(auditStub{}, zerolog.Nop())
	consents := consent.NewService(stub, audits, gw, consent.NewHMACVerifier("secret"), nil,
		"https://hiu.example.com/api/abdm/consent/callback", zerolog.Nop())
	repo := newFetchRepo()
	recs := newRecordStore()
	records := record.NewService(recs, audits, nil, zerolog.Nop())
	svc := NewService(repo, consents, records, audits, gw, dec, nil,
		"https://hiu.example.com/api/abdm/health-records/callback", opts, zerolog.Nop())

	return &fetchEnv{svc: svc, repo: repo, recs: recs, stub: stub, dec: dec, km: km}
}

func (e *fetchEnv) validFetchInput() FetchInput {
	return FetchInput{
		ConsentRequestID: e.stub.cr.ID,
		HITypes:          []string{"DiagnosticReport"},
		DateRangeFrom:    e.stub.art.DateRangeFrom,
		DateRangeTo:      e.stub.art.DateRangeTo,
		RequestedBy:      "dr-rao",
	}
}

func TestInitiate_Succeeds(t *testing.T) {
	env := newFetchEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"abdmRequestId":"gw-hi-1"}`))
	}, Options{})

	f, err := env.svc.Initiate(context.Background(), env.validFetchInput())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if f.Status != StatusProcessing {
		t.Errorf("status = %s, want PROCESSING once the gateway accepted", f.Status)
	}
	if f.ABDMRequestID == nil || *f.ABDMRequestID != "gw-hi-1" {
		t.Errorf("abdm request id = %v, want gateway-assigned gw-hi-1", f.ABDMRequestID)
	}
	stored, _ := env.repo.GetFetch(context.Background(), f.ID)
	if stored == nil || *stored.ABDMRequestID != "gw-hi-1" {
		t.Fatalf("stored fetch = %+v", stored)
	}
	if stored.Status != StatusProcessing {
		t.Errorf("stored status = %s, want PROCESSING", stored.Status)
	}
}

func TestInitiate_Validation(t *testing.T) {
	env := newFetchEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called for invalid input")
	}, Options{})
	ctx := context.Background()

	in := env.validFetchInput()
	in.HITypes = nil
	if _, err := env.svc.Initiate(ctx, in); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty hiTypes err = %v, want validation", err)
	}

	in = env.validFetchInput()
	in.DateRangeFrom, in.DateRangeTo = in.DateRangeTo, in.DateRangeFrom.AddDate(0, 0, -1)
	if _, err := env.svc.Initiate(ctx, in); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("inverted range err = %v, want validation", err)
	}
}

func TestInitiate_ConsentChecks(t *testing.T) {
	env := newFetchEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called")
	}, Options{})
	ctx := context.Background()

	in := env.validFetchInput()
	in.ConsentRequestID = uuid.New()
	if _, err := env.svc.Initiate(ctx, in); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("unknown consent err = %v, want not found", err)
	}

	env.stub.cr.Status = consent.StatusRequested
	if _, err := env.svc.Initiate(ctx, env.validFetchInput()); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("ungranted consent err = %v, want conflict", err)
	}
	env.stub.cr.Status = consent.StatusGranted

	env.stub.art.Status = consent.ArtifactExpired
	if _, err := env.svc.Initiate(ctx, env.validFetchInput()); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("retired artifact err = %v, want conflict", err)
	}
	env.stub.art.Status = consent.ArtifactActive
}

func TestInitiate_ScopeViolations(t *testing.T) {
	env := newFetchEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called")
	}, Options{})
	ctx := context.Background()

	in := env.validFetchInput()
	in.HITypes = []string{"WellnessRecord"}
	if _, err := env.svc.Initiate(ctx, in); apperr.KindOf(err) != apperr.KindPermissionScope {
		t.Errorf("out-of-scope hiType err = %v, want permission scope", err)
	}

	in = env.validFetchInput()
	in.DateRangeFrom = env.stub.art.DateRangeFrom.AddDate(-1, 0, 0)
	if _, err := env.svc.Initiate(ctx, in); apperr.KindOf(err) != apperr.KindPermissionScope {
		t.Errorf("out-of-scope range err = %v, want permission scope", err)
	}
}

func TestInitiate_GatewayFailure(t *testing.T) {
	env := newFetchEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, Options{})

	f, err := env.svc.Initiate(context.Background(), env.validFetchInput())
	if apperr.KindOf(err) != apperr.KindGatewayUnavailable {
		t.Fatalf("err kind = %v, want GATEWAY_UNAVAILABLE", apperr.KindOf(err))
	}
	stored, _ := env.repo.GetFetch(context.Background(), f.ID)
	if stored.Status != StatusFailed || stored.TerminalAt == nil || stored.ErrorReason == nil {
		t.Errorf("stored = status %s terminalAt %v reason %v, want settled FAILED",
			stored.Status, stored.TerminalAt, stored.ErrorReason)
	}
}

func TestCancel(t *testing.T) {
	env := newFetchEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"abdmRequestId":""}`))
	}, Options{})
	ctx := context.Background()

	f, err := env.svc.Initiate(ctx, env.validFetchInput())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	got, err := env.svc.Cancel(ctx, f.ID, "dr-rao")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.TerminalAt == nil {
		t.Errorf("cancelled fetch = status %s terminalAt %v", got.Status, got.TerminalAt)
	}

	// Repeat cancel is a no-op.
	if _, err := env.svc.Cancel(ctx, f.ID, "dr-rao"); err != nil {
		t.Errorf("repeat cancel: %v", err)
	}

	// Any other terminal status conflicts.
	env.repo.mu.Lock()
	env.repo.fetches[f.ID].Status = StatusCompleted
	env.repo.mu.Unlock()
	if _, err := env.svc.Cancel(ctx, f.ID, "dr-rao"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("cancel completed err = %v, want conflict", err)
	}

	if _, err := env.svc.Cancel(ctx, uuid.New(), "dr-rao"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("cancel unknown err = %v, want not found", err)
	}
}

func TestProgress(t *testing.T) {
	total := 10
	cases := []struct {
		name string
		f    FetchRequest
		want int
	}{
		{"unknown total", FetchRequest{Status: StatusProcessing}, -1},
		{"terminal without total", FetchRequest{Status: StatusCompleted}, 100},
		{"halfway", FetchRequest{Status: StatusProcessing, TotalRecords: &total, ProcessedRecords: 3, FailedRecords: 2}, 50},
		{"capped at total", FetchRequest{Status: StatusProcessing, TotalRecords: &total, ProcessedRecords: 12}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Progress(); got != tc.want {
				t.Errorf("Progress() = %d, want %d", got, tc.want)
			}
		})
	}
}
