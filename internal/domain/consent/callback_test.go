package consent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
)

// signedArtifact builds a grant artifact scoped within cr, signed with the
// shared artifact secret.
func signedArtifact(cr *ConsentRequest) *CallbackArtifact {
	payload := []byte(`{"consentRequestId":"` + *cr.ABDMRequestID + `"}`)
	mac := hmac.New(sha256.New, []byte(testArtifactSecret))
	mac.Write(payload)
	return &CallbackArtifact{
		ABDMArtifactID: "art-1",
		AccessMode:     "VIEW",
		HITypes:        []string{"DiagnosticReport"},
		DateRangeFrom:  cr.DateRangeFrom.Format(time.RFC3339),
		DateRangeTo:    cr.DateRangeTo.Format(time.RFC3339),
		DataEraseAt:    time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339),
		SignedPayload:  payload,
		KeyMaterial:    bytes.Repeat([]byte{0x11}, 32),
		Signature:      hex.EncodeToString(mac.Sum(nil)),
	}
}

func newCallbackService(t *testing.T) (*Service, *mockRepo, *mockAuditRepo) {
	t.Helper()
	return newTestService(t, newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called while ingesting callbacks")
	}))
}

func TestIngestCallback_Validation(t *testing.T) {
	svc, _, _ := newCallbackService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cb   Callback
	}{
		{"missing abdm request id", Callback{Event: CallbackDenied}},
		{"unknown event", Callback{ABDMRequestID: "abdm-1", Event: "SNOOZED"}},
		{"grant without artifact", Callback{ABDMRequestID: "abdm-1", Event: CallbackGranted}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.IngestCallback(ctx, tc.cb); apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestIngestCallback_OrphanDropped(t *testing.T) {
	svc, repo, audits := newCallbackService(t)
	err := svc.IngestCallback(context.Background(), Callback{
		ABDMRequestID: "abdm-unknown",
		Event:         CallbackDenied,
		Seq:           1,
	})
	if err != nil {
		t.Fatalf("orphan callback must be absorbed, got %v", err)
	}
	if len(repo.requests) != 0 || len(audits.events) != 0 {
		t.Error("orphan callback left state behind")
	}
}

func TestIngestCallback_GrantStoresArtifact(t *testing.T) {
	svc, repo, audits := newCallbackService(t)
	ctx := context.Background()
	cr := seedRequest(t, repo, StatusRequested)

	err := svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *cr.ABDMRequestID,
		Event:         CallbackGranted,
		Artifact:      signedArtifact(cr),
		At:            time.Now().UTC(),
		Seq:           1,
	})
	if err != nil {
		t.Fatalf("IngestCallback: %v", err)
	}

	stored, _ := repo.GetRequest(ctx, cr.ID)
	if stored.Status != StatusGranted {
		t.Errorf("status = %s, want GRANTED", stored.Status)
	}
	art, _ := repo.ActiveArtifactByRequest(ctx, cr.ID)
	if art == nil {
		t.Fatal("no active artifact stored")
	}
	if art.ABDMArtifactID != "art-1" || len(art.KeyMaterial) != 32 {
		t.Errorf("artifact = %+v", art)
	}
	want := []string{audit.EventCallbackReceived, audit.EventGranted}
	got := audits.eventNames(cr.ID)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("audit trail = %v, want %v", got, want)
	}
}

func TestIngestCallback_DuplicateDelivery(t *testing.T) {
	svc, repo, audits := newCallbackService(t)
	ctx := context.Background()
	cr := seedRequest(t, repo, StatusRequested)

	cb := Callback{
		ABDMRequestID: *cr.ABDMRequestID,
		Event:         CallbackGranted,
		Artifact:      signedArtifact(cr),
		Seq:           7,
	}
	if err := svc.IngestCallback(ctx, cb); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := svc.IngestCallback(ctx, cb); err != nil {
		t.Fatalf("redelivery must be absorbed, got %v", err)
	}

	if n := len(repo.artifacts); n != 1 {
		t.Errorf("redelivery stored %d artifacts, want 1", n)
	}
	if got := audits.eventNames(cr.ID); len(got) != 2 {
		t.Errorf("redelivery appended audit rows: %v", got)
	}
}

func TestIngestCallback_InvalidArtifactIsFatal(t *testing.T) {
	svc, repo, _ := newCallbackService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CallbackArtifact)
	}{
		{"bad signature", func(a *CallbackArtifact) { a.Signature = "deadbeef" }},
		{"hiTypes exceed grant", func(a *CallbackArtifact) { a.HITypes = []string{"WellnessRecord"} }},
		{"range exceeds grant", func(a *CallbackArtifact) {
			a.DateRangeTo = time.Now().UTC().AddDate(1, 0, 0).Format(time.RFC3339)
		}},
		{"erase date in the past", func(a *CallbackArtifact) {
			a.DataEraseAt = time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
		}},
		{"missing artifact id", func(a *CallbackArtifact) { a.ABDMArtifactID = "" }},
		{"missing access mode", func(a *CallbackArtifact) { a.AccessMode = "" }},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cr := seedRequest(t, repo, StatusRequested)
			art := signedArtifact(cr)
			tc.mutate(art)

			err := svc.IngestCallback(ctx, Callback{
				ABDMRequestID: *cr.ABDMRequestID,
				Event:         CallbackGranted,
				Artifact:      art,
				Seq:           i + 1,
			})
			if err != nil {
				t.Fatalf("rejected artifact must still be acknowledged, got %v", err)
			}

			stored, _ := repo.GetRequest(ctx, cr.ID)
			if stored.Status != StatusError {
				t.Errorf("status = %s, want ERROR", stored.Status)
			}
			if stored.ErrorRecoverable {
				t.Error("rejected grant must not be retriable")
			}
			if live, _ := repo.ActiveArtifactByRequest(ctx, cr.ID); live != nil {
				t.Error("rejected artifact was persisted")
			}
		})
	}
}

func TestIngestCallback_DeniedAndRevoked(t *testing.T) {
	svc, repo, _ := newCallbackService(t)
	ctx := context.Background()

	denied := seedRequest(t, repo, StatusRequested)
	err := svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *denied.ABDMRequestID,
		Event:         CallbackDenied,
		Seq:           1,
	})
	if err != nil {
		t.Fatalf("denied callback: %v", err)
	}
	if stored, _ := repo.GetRequest(ctx, denied.ID); stored.Status != StatusDenied {
		t.Errorf("status = %s, want DENIED", stored.Status)
	}

	// REVOKED on a granted consent retires the live artifact too.
	granted := seedRequest(t, repo, StatusGranted)
	seedArtifact(t, repo, granted)
	err = svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *granted.ABDMRequestID,
		Event:         CallbackRevoked,
		Seq:           1,
	})
	if err != nil {
		t.Fatalf("revoked callback: %v", err)
	}
	if stored, _ := repo.GetRequest(ctx, granted.ID); stored.Status != StatusRevoked {
		t.Errorf("status = %s, want REVOKED", stored.Status)
	}
	if art, _ := repo.ArtifactByRequest(ctx, granted.ID); art.Status != ArtifactRevoked {
		t.Errorf("artifact status = %s, want REVOKED", art.Status)
	}
}

func TestIngestCallback_TerminalIgnored(t *testing.T) {
	svc, repo, audits := newCallbackService(t)
	ctx := context.Background()
	cr := seedRequest(t, repo, StatusDenied)

	err := svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *cr.ABDMRequestID,
		Event:         CallbackGranted,
		Artifact:      signedArtifact(cr),
		Seq:           2,
	})
	if err != nil {
		t.Fatalf("terminal callback must be absorbed, got %v", err)
	}
	if stored, _ := repo.GetRequest(ctx, cr.ID); stored.Status != StatusDenied {
		t.Errorf("status = %s, terminal state must not move", stored.Status)
	}
	// The delivery itself is still recorded.
	if got := audits.eventNames(cr.ID); len(got) != 1 || got[0] != audit.EventCallbackReceived {
		t.Errorf("audit trail = %v, want only CALLBACK_RECEIVED", got)
	}
}

func TestIngestCallback_DenialAfterGrantIgnored(t *testing.T) {
	svc, repo, audits := newCallbackService(t)
	ctx := context.Background()
	cr := seedRequest(t, repo, StatusRequested)

	err := svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *cr.ABDMRequestID,
		Event:         CallbackGranted,
		Artifact:      signedArtifact(cr),
		Seq:           1,
	})
	if err != nil {
		t.Fatalf("grant callback: %v", err)
	}
	err = svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *cr.ABDMRequestID,
		Event:         CallbackDenied,
		Seq:           2,
	})
	if err != nil {
		t.Fatalf("late denial must be absorbed, got %v", err)
	}

	// GRANTED only ever retires to REVOKED or EXPIRED; the denial must
	// neither move the request nor touch the live artifact.
	stored, _ := repo.GetRequest(ctx, cr.ID)
	if stored.Status != StatusGranted {
		t.Errorf("status = %s, want GRANTED after late denial", stored.Status)
	}
	art, _ := repo.ActiveArtifactByRequest(ctx, cr.ID)
	if art == nil {
		t.Error("late denial retired the active artifact")
	}
	want := []string{audit.EventCallbackReceived, audit.EventGranted, audit.EventCallbackReceived}
	if got := audits.eventNames(cr.ID); len(got) != 3 || got[2] != want[2] {
		t.Errorf("audit trail = %v, want %v", got, want)
	}
}

func TestIngestCallback_RevokedBeforeGrantIgnored(t *testing.T) {
	svc, repo, _ := newCallbackService(t)
	ctx := context.Background()
	cr := seedRequest(t, repo, StatusRequested)

	err := svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *cr.ABDMRequestID,
		Event:         CallbackRevoked,
		Seq:           1,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if stored, _ := repo.GetRequest(ctx, cr.ID); stored.Status != StatusRequested {
		t.Errorf("status = %s, REVOKED is not reachable from REQUESTED", stored.Status)
	}
}

func TestIngestCallback_RepeatGrantIgnored(t *testing.T) {
	svc, repo, _ := newCallbackService(t)
	ctx := context.Background()
	cr := seedRequest(t, repo, StatusGranted)
	seedArtifact(t, repo, cr)

	err := svc.IngestCallback(ctx, Callback{
		ABDMRequestID: *cr.ABDMRequestID,
		Event:         CallbackGranted,
		Artifact:      signedArtifact(cr),
		Seq:           9,
	})
	if err != nil {
		t.Fatalf("repeat grant must be absorbed, got %v", err)
	}
	if n := len(repo.artifacts); n != 1 {
		t.Errorf("repeat grant stored %d artifacts, want 1", n)
	}
}
