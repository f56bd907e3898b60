package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	stripego "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/helioslabs/subscription-service/internal/api/rest/handlers"
	"github.com/helioslabs/subscription-service/internal/billing"
	"github.com/helioslabs/subscription-service/internal/credits"
	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/identity"
	"github.com/helioslabs/subscription-service/internal/kafka"
	"github.com/helioslabs/subscription-service/internal/metrics"
	"github.com/helioslabs/subscription-service/internal/middleware"
	"github.com/helioslabs/subscription-service/internal/repository"
	"github.com/helioslabs/subscription-service/internal/stripe"
	"github.com/helioslabs/subscription-service/internal/subscription"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

const (
	testJWTSecret     = "test-secret"
	testWebhookSecret = "whsec_test"
)

type fakeProvider struct{}

func (fakeProvider) GetSubscription(ctx context.Context, id string) (*stripego.Subscription, error) {
	return nil, fmt.Errorf("no such subscription %q", id)
}

func (fakeProvider) GetCustomer(ctx context.Context, id string) (*stripego.Customer, error) {
	return nil, fmt.Errorf("no such customer %q", id)
}

type fakeCheckout struct{}

func (fakeCheckout) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	return "cus_test", nil
}

func (fakeCheckout) CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (string, error) {
	return "https://checkout.example.com/session", nil
}

type nopMailer struct{}

func (nopMailer) SendSubscriptionWelcome(context.Context, string, string) error { return nil }

func (nopMailer) SendPaymentReceipt(context.Context, string, string, float64, string) error {
	return nil
}

func (nopMailer) SendCancellation(context.Context, string, time.Time) error { return nil }

type testEnv struct {
	router *gin.Engine
	store  *repository.InMemorySubscriptionStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewNop()
	store := repository.NewInMemorySubscriptionStore()
	m := metrics.NopMetrics{}

	engine := credits.NewEngine(store, store, kafka.NopProducer{}, m, log)
	guard := credits.NewGuard(store, m, log)
	svc := subscription.NewService(store, store, fakeCheckout{}, kafka.NopProducer{}, nopMailer{}, log)
	processor := billing.NewProcessor(store, store, store, engine, fakeProvider{}, kafka.NopProducer{}, nopMailer{}, m, log)
	verifier := stripe.NewClient("sk_test_dummy", testWebhookSecret, log)

	auth := middleware.NewJWTMiddleware(log, &middleware.DefaultTokenValidator{Secret: []byte(testJWTSecret)})
	router := SetupRouter(log, prometheus.NewRegistry(), auth, Handlers{
		Credits:      handlers.NewCreditsHandler(engine, guard, store, store, log),
		Subscription: handlers.NewSubscriptionHandler(svc, log),
		Webhook:      handlers.NewWebhookHandler(verifier, processor, log),
	})

	return &testEnv{router: router, store: store}
}

func signToken(t *testing.T, sub, email string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedPaid(t *testing.T, externalUserID string, remaining int) *domain.Subscription {
	t.Helper()

	sub := domain.NewDefaultSubscription(identity.UserKey(externalUserID), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.CreditsRemaining = remaining
	sub.CreditsLimit = domain.PlanStandard.Credits.Maximum

	created, err := e.store.Create(context.Background(), sub)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	paths := [][2]string{
		{http.MethodGet, "/api/credits/balance"},
		{http.MethodPost, "/api/credits/use"},
		{http.MethodGet, "/api/credits/history"},
		{http.MethodGet, "/api/subscription/current"},
		{http.MethodPost, "/api/subscription/cancel"},
		{http.MethodPost, "/api/subscription/create-checkout"},
	}
	for _, p := range paths {
		if w := env.do(t, p[0], p[1], "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", p[0], p[1], w.Code)
		}
	}
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaid(t, "user_1", 700)
	token := signToken(t, "user_1", "user@example.com")

	w := env.do(t, http.MethodGet, "/api/credits/balance", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var balance domain.CreditBalance
	if err := json.Unmarshal(w.Body.Bytes(), &balance); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if balance.CreditsRemaining != 700 || balance.PlanID != domain.PlanStandard.ID {
		t.Errorf("balance = %+v, want 700 remaining on standard", balance)
	}
}

func TestGetBalanceNoSubscription(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user_unknown", "user@example.com")

	if w := env.do(t, http.MethodGet, "/api/credits/balance", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUseCredits(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaid(t, "user_1", 500)
	token := signToken(t, "user_1", "user@example.com")

	w := env.do(t, http.MethodPost, "/api/credits/use", token,
		map[string]any{"amount": 200, "description": "export"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var balance domain.CreditBalance
	if err := json.Unmarshal(w.Body.Bytes(), &balance); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if balance.CreditsRemaining != 300 {
		t.Errorf("CreditsRemaining = %d, want 300", balance.CreditsRemaining)
	}
}

func TestUseCreditsNamedOperation(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seedPaid(t, "user_1", 500)
	token := signToken(t, "user_1", "user@example.com")

	w := env.do(t, http.MethodPost, "/api/credits/use", token,
		map[string]any{"amount": 100, "operation": "document-export"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	entries, err := env.store.Entries(context.Background(), sub.ID, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Description != "Credit usage for document-export" {
		t.Errorf("Description = %q, want the defaulted operation description", entries[0].Description)
	}

	// An explicit description wins over the default.
	w = env.do(t, http.MethodPost, "/api/credits/use", token,
		map[string]any{"amount": 50, "operation": "document-export", "description": "annual report"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	entries, _ = env.store.Entries(context.Background(), sub.ID, 10)
	if entries[0].Description != "annual report" {
		t.Errorf("Description = %q, want annual report", entries[0].Description)
	}
}

func TestGetCreditHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaid(t, "user_1", 500)
	token := signToken(t, "user_1", "user@example.com")

	for _, amount := range []int{100, 50} {
		w := env.do(t, http.MethodPost, "/api/credits/use", token, map[string]any{"amount": amount})
		if w.Code != http.StatusOK {
			t.Fatalf("use %d: status = %d: %s", amount, w.Code, w.Body.String())
		}
	}

	w := env.do(t, http.MethodGet, "/api/credits/history", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var body struct {
		Entries []domain.CreditLedgerEntry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(body.Entries))
	}
	// Newest first.
	if body.Entries[0].Amount != 50 || body.Entries[1].Amount != 100 {
		t.Errorf("entry amounts = %d, %d, want 50, 100", body.Entries[0].Amount, body.Entries[1].Amount)
	}

	if w := env.do(t, http.MethodGet, "/api/credits/history?limit=0", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: status = %d, want 400", w.Code)
	}
}

func TestUseCreditsInvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaid(t, "user_1", 500)
	token := signToken(t, "user_1", "user@example.com")

	for _, amount := range []int{0, -5} {
		w := env.do(t, http.MethodPost, "/api/credits/use", token, map[string]any{"amount": amount})
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %d: status = %d, want 400", amount, w.Code)
		}
	}
}

func TestUseCreditsInsufficient(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seedPaid(t, "user_1", 100)
	token := signToken(t, "user_1", "user@example.com")

	w := env.do(t, http.MethodPost, "/api/credits/use", token, map[string]any{"amount": 101})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["redirectTo"] != "/pricing" {
		t.Errorf("redirectTo = %v, want /pricing", body["redirectTo"])
	}

	after, _ := env.store.GetByID(context.Background(), sub.ID)
	if after.CreditsRemaining != 100 {
		t.Errorf("denied request changed balance to %d, want 100", after.CreditsRemaining)
	}
}

func TestUseCreditsFreeTierRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user_free", "free@example.com")

	// First contact creates the free row.
	if w := env.do(t, http.MethodGet, "/api/subscription/current", token, nil); w.Code != http.StatusOK {
		t.Fatalf("current: status = %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/credits/use", token, map[string]any{"amount": 1})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["requiresUpgrade"] != true {
		t.Errorf("requiresUpgrade = %v, want true", body["requiresUpgrade"])
	}
}

func TestGetCurrentCreatesFreeRow(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user_new", "new@example.com")

	w := env.do(t, http.MethodGet, "/api/subscription/current", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var sub domain.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sub.PlanID != domain.PlanFree.ID {
		t.Errorf("PlanID = %q, want free", sub.PlanID)
	}
	if sub.UserKey != identity.UserKey("user_new") {
		t.Errorf("UserKey = %s, want derived key", sub.UserKey)
	}
}

func TestCancelFreeRejected(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user_free", "free@example.com")

	env.do(t, http.MethodGet, "/api/subscription/current", token, nil)

	if w := env.do(t, http.MethodPost, "/api/subscription/cancel", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCancelPaid(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaid(t, "user_1", 500)
	token := signToken(t, "user_1", "user@example.com")

	w := env.do(t, http.MethodPost, "/api/subscription/cancel", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["message"] != "Subscription cancelled" {
		t.Errorf("message = %v", body["message"])
	}
	if _, ok := body["end_date"]; !ok {
		t.Errorf("response keys = %v, want end_date", body)
	}
}

func TestCreateCheckout(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user_1", "user@example.com")

	w := env.do(t, http.MethodPost, "/api/subscription/create-checkout", token, map[string]any{
		"priceId":    domain.PlanStandard.StripePriceID,
		"planId":     domain.PlanStandard.ID,
		"successUrl": "https://app.example.com/done",
		"cancelUrl":  "https://app.example.com/pricing",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["url"] == "" {
		t.Error("empty checkout url")
	}
}

func TestGetPlansIsPublic(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/plans", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var plans []domain.Plan
	if err := json.Unmarshal(w.Body.Bytes(), &plans); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(plans) != len(domain.AllPlans) {
		t.Errorf("plans = %d, want %d", len(plans), len(domain.AllPlans))
	}
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnv(t)

	ref := "sub_abc"
	sub := domain.NewDefaultSubscription(uuid.New(), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.ExternalSubscriptionRef = &ref
	sub.CreditsRemaining = 123
	if _, err := env.store.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	event := map[string]any{
		"id":          "evt_1",
		"api_version": stripego.APIVersion,
		"type":        "customer.subscription.deleted",
		"data": map[string]any{
			"object": map[string]any{"id": ref},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	send := func(sigHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sigHeader)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}

	// A tampered signature is rejected and leaves state untouched.
	if w := send("t=12345,v1=deadbeef"); w.Code != http.StatusBadRequest {
		t.Fatalf("tampered signature: status = %d, want 400", w.Code)
	}
	after, _ := env.store.GetByExternalRef(context.Background(), ref)
	if after.Cancelled {
		t.Fatal("tampered webhook mutated state")
	}

	// A valid signature is accepted and processed.
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, testWebhookSecret)
	header := fmt.Sprintf("t=%d,v1=%x", now.Unix(), sig)
	if w := send(header); w.Code != http.StatusOK {
		t.Fatalf("valid signature: status = %d, want 200: %s", w.Code, w.Body.String())
	}
	after, _ = env.store.GetByExternalRef(context.Background(), ref)
	if !after.Cancelled {
		t.Error("valid webhook did not apply")
	}

	// Missing header is a bad request.
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing signature header: status = %d, want 400", w.Code)
	}
}
