package intake

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/coppolavegas/leadgenx-crm-sub002/catalog"
	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment/memory"
	"github.com/coppolavegas/leadgenx-crm-sub002/webhook"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const authToken = "test-auth-token"

func signTwilio(requestURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := requestURL
	for _, k := range keys {
		canonical += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestHandler(t *testing.T) (*Handler, *memory.Store, *catalog.MemoryCatalog, *ecdsa.PrivateKey) {
	t.Helper()

	store := memory.New()
	cat := catalog.NewMemoryCatalog()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	h, err := NewHandler(Config{
		Store:    store,
		Catalog:  cat,
		Twilio:   &webhook.TwilioValidator{AuthToken: authToken},
		SendGrid: &webhook.SendGridValidator{PublicKey: &key.PublicKey, Now: func() time.Time { return t0 }},
		Now:      func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h, store, cat, key
}

func registerWorkflow(t *testing.T, cat *catalog.MemoryCatalog, id, workspaceID, trigger string) {
	t.Helper()
	err := cat.Register(&catalog.Workflow{
		ID:           id,
		Name:         id,
		WorkspaceID:  workspaceID,
		TriggerEvent: trigger,
		Enabled:      true,
		Steps: []catalog.Step{{
			ID:         id + "-step-0",
			WorkflowID: id,
			Order:      0,
			Action:     catalog.ActionSendMessage,
			Config:     json.RawMessage(`{"channel":"sms","template_id":"tpl-1","address_key":"phone"}`),
		}},
	})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
}

func TestHandleTrigger_EnrollsMatchingWorkflows(t *testing.T) {
	h, store, cat, _ := newTestHandler(t)
	registerWorkflow(t, cat, "wf-1", "ws-1", "lead_created")
	registerWorkflow(t, cat, "wf-2", "ws-1", "lead_created")
	registerWorkflow(t, cat, "wf-other", "ws-1", "form_submitted")

	created, err := h.HandleTrigger(context.Background(), TriggerEvent{
		ID:          "ev-1",
		WorkspaceID: "ws-1",
		LeadID:      "lead-1",
		Type:        "lead_created",
		Payload:     json.RawMessage(`{"phone":"+15551230000"}`),
	})
	if err != nil {
		t.Fatalf("HandleTrigger() error = %v", err)
	}
	if created != 2 {
		t.Errorf("HandleTrigger() created = %d, want 2", created)
	}

	due, err := store.Due(context.Background(), t0, time.Minute, 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() returned %d rows, want 2", len(due))
	}
	for _, e := range due {
		if e.Status != enrollment.StatusPending {
			t.Errorf("enrollment %s Status = %s, want pending", e.ID, e.Status)
		}
		if e.CurrentStepOrder != 0 {
			t.Errorf("enrollment %s CurrentStepOrder = %d, want 0", e.ID, e.CurrentStepOrder)
		}
		if string(e.Context) != `{"phone":"+15551230000"}` {
			t.Errorf("enrollment %s Context = %s, want the event payload", e.ID, e.Context)
		}
		if e.NextRunAt == nil || e.NextRunAt.After(t0) {
			t.Errorf("enrollment %s NextRunAt = %v, want due immediately", e.ID, e.NextRunAt)
		}
	}
}

func TestHandleTrigger_RedeliveryIsIdempotent(t *testing.T) {
	h, store, cat, _ := newTestHandler(t)
	registerWorkflow(t, cat, "wf-1", "ws-1", "lead_created")

	ev := TriggerEvent{
		ID:          "ev-1",
		WorkspaceID: "ws-1",
		Type:        "lead_created",
		Payload:     json.RawMessage(`{"phone":"+15551230000"}`),
	}

	if _, err := h.HandleTrigger(context.Background(), ev); err != nil {
		t.Fatalf("HandleTrigger() error = %v", err)
	}
	created, err := h.HandleTrigger(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleTrigger() redelivery error = %v", err)
	}
	if created != 0 {
		t.Errorf("redelivery created = %d, want 0", created)
	}

	due, _ := store.Due(context.Background(), t0, time.Minute, 10)
	if len(due) != 1 {
		t.Errorf("store holds %d enrollments after redelivery, want 1", len(due))
	}
}

func TestHandleTrigger_InvalidEvent(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	tests := []struct {
		name  string
		event TriggerEvent
	}{
		{name: "missing type", event: TriggerEvent{ID: "ev-1", Payload: json.RawMessage(`{}`)}},
		{name: "missing payload", event: TriggerEvent{ID: "ev-1", Type: "lead_created"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.HandleTrigger(context.Background(), tt.event)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("HandleTrigger() error = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestHandleTrigger_NoMatchingWorkflow(t *testing.T) {
	h, _, cat, _ := newTestHandler(t)
	registerWorkflow(t, cat, "wf-1", "ws-1", "lead_created")

	created, err := h.HandleTrigger(context.Background(), TriggerEvent{
		ID:          "ev-1",
		WorkspaceID: "ws-1",
		Type:        "meeting_booked",
		Payload:     json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("HandleTrigger() error = %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d for unmatched event, want 0", created)
	}
}

// parkWaiting seeds a waiting enrollment with the given resume key.
func parkWaiting(t *testing.T, store *memory.Store, id, workspaceID, resumeKey string) {
	t.Helper()
	ctx := context.Background()

	due := t0.Add(-time.Minute)
	err := store.Create(ctx, enrollment.Enrollment{
		ID:          id,
		WorkflowID:  "wf-" + id,
		WorkspaceID: workspaceID,
		EventID:     "ev-" + id,
		Status:      enrollment.StatusPending,
		NextRunAt:   &due,
		EnrolledAt:  due,
	})
	if err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
	if ok, err := store.TryClaim(ctx, id, "seeder", t0, time.Minute); err != nil || !ok {
		t.Fatalf("TryClaim(%s) = (%v, %v)", id, ok, err)
	}
	if err := store.MarkRunning(ctx, id, "seeder"); err != nil {
		t.Fatalf("MarkRunning(%s) error = %v", id, err)
	}
	if err := store.MarkWaiting(ctx, id, "seeder", resumeKey, nil); err != nil {
		t.Fatalf("MarkWaiting(%s) error = %v", id, err)
	}
}

func TestHandleSMSCallback_ResumesWaitingEnrollment(t *testing.T) {
	h, store, _, _ := newTestHandler(t)
	parkWaiting(t, store, "e1", "ws-1", "sms:+15551230000")

	url := "https://example.com/webhooks/sms"
	params := map[string]string{"From": "+15551230000", "Body": "YES"}

	resumed, err := h.HandleSMSCallback(context.Background(), "ws-1", url, signTwilio(url, params), params)
	if err != nil {
		t.Fatalf("HandleSMSCallback() error = %v", err)
	}
	if resumed == nil || resumed.ID != "e1" {
		t.Fatalf("HandleSMSCallback() resumed = %v, want e1", resumed)
	}

	e, _ := store.Get(context.Background(), "e1")
	if e.Status != enrollment.StatusPending {
		t.Errorf("Status = %s after resume, want pending", e.Status)
	}
	if e.NextRunAt == nil || e.NextRunAt.After(t0) {
		t.Errorf("NextRunAt = %v, want due immediately", e.NextRunAt)
	}
}

func TestHandleSMSCallback_BadSignatureLeavesStateUntouched(t *testing.T) {
	h, store, _, _ := newTestHandler(t)
	parkWaiting(t, store, "e1", "ws-1", "sms:+15551230000")

	url := "https://example.com/webhooks/sms"
	params := map[string]string{"From": "+15551230000", "Body": "YES"}

	_, err := h.HandleSMSCallback(context.Background(), "ws-1", url, "forged-signature", params)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("HandleSMSCallback() error = %v, want ErrSignatureInvalid", err)
	}

	e, _ := store.Get(context.Background(), "e1")
	if e.Status != enrollment.StatusWaiting {
		t.Errorf("Status = %s after rejected callback, want waiting", e.Status)
	}
}

func TestHandleSMSCallback_UnrelatedSenderIsNoop(t *testing.T) {
	h, store, _, _ := newTestHandler(t)
	parkWaiting(t, store, "e1", "ws-1", "sms:+15551230000")

	url := "https://example.com/webhooks/sms"
	params := map[string]string{"From": "+19998887777", "Body": "hi"}

	resumed, err := h.HandleSMSCallback(context.Background(), "ws-1", url, signTwilio(url, params), params)
	if err != nil {
		t.Fatalf("HandleSMSCallback() error = %v", err)
	}
	if resumed != nil {
		t.Errorf("resumed = %v for unrelated sender, want nil", resumed)
	}

	e, _ := store.Get(context.Background(), "e1")
	if e.Status != enrollment.StatusWaiting {
		t.Errorf("Status = %s, want still waiting", e.Status)
	}
}

func TestHandleSMSCallback_WorkspaceScoped(t *testing.T) {
	h, store, _, _ := newTestHandler(t)
	parkWaiting(t, store, "e1", "ws-1", "sms:+15551230000")

	url := "https://example.com/webhooks/sms"
	params := map[string]string{"From": "+15551230000"}

	resumed, err := h.HandleSMSCallback(context.Background(), "ws-2", url, signTwilio(url, params), params)
	if err != nil {
		t.Fatalf("HandleSMSCallback() error = %v", err)
	}
	if resumed != nil {
		t.Error("callback for another workspace resumed an enrollment")
	}

	e, _ := store.Get(context.Background(), "e1")
	if e.Status != enrollment.StatusWaiting {
		t.Errorf("Status = %s, want still waiting", e.Status)
	}
}

func signEmail(t *testing.T, key *ecdsa.PrivateKey, timestamp, body string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(timestamp + body))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func TestHandleEmailCallback_ResumesWaitingEnrollment(t *testing.T) {
	h, store, _, key := newTestHandler(t)
	parkWaiting(t, store, "e1", "ws-1", "email:lead@example.com")

	body := `[{"email":"lead@example.com","event":"inbound"}]`
	ts := strconv.FormatInt(t0.Unix(), 10)

	resumed, err := h.HandleEmailCallback(context.Background(), "ws-1", signEmail(t, key, ts, body), ts, body)
	if err != nil {
		t.Fatalf("HandleEmailCallback() error = %v", err)
	}
	if len(resumed) != 1 || resumed[0].ID != "e1" {
		t.Fatalf("HandleEmailCallback() resumed = %v, want [e1]", resumed)
	}

	e, _ := store.Get(context.Background(), "e1")
	if e.Status != enrollment.StatusPending {
		t.Errorf("Status = %s after resume, want pending", e.Status)
	}
}

func TestHandleEmailCallback_StaleTimestampRejected(t *testing.T) {
	h, store, _, key := newTestHandler(t)
	parkWaiting(t, store, "e1", "ws-1", "email:lead@example.com")

	body := `[{"email":"lead@example.com","event":"inbound"}]`
	ts := strconv.FormatInt(t0.Add(-601*time.Second).Unix(), 10)

	_, err := h.HandleEmailCallback(context.Background(), "ws-1", signEmail(t, key, ts, body), ts, body)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("HandleEmailCallback() error = %v, want ErrSignatureInvalid", err)
	}

	e, _ := store.Get(context.Background(), "e1")
	if e.Status != enrollment.StatusWaiting {
		t.Errorf("Status = %s after replayed callback, want waiting", e.Status)
	}
}

func TestHandleEmailCallback_SignedButUnparseableBody(t *testing.T) {
	h, _, _, key := newTestHandler(t)

	body := `not json`
	ts := strconv.FormatInt(t0.Unix(), 10)

	resumed, err := h.HandleEmailCallback(context.Background(), "ws-1", signEmail(t, key, ts, body), ts, body)
	if err != nil {
		t.Fatalf("HandleEmailCallback() error = %v", err)
	}
	if resumed != nil {
		t.Errorf("resumed = %v for unparseable body, want nil", resumed)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{Catalog: catalog.NewMemoryCatalog()}); err == nil {
		t.Error("NewHandler() error = nil without Store, want error")
	}
	if _, err := NewHandler(Config{Store: memory.New()}); err == nil {
		t.Error("NewHandler() error = nil without Catalog, want error")
	}
}
