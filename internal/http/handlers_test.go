package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/transport-broker/internal/discount"
	"github.com/example/transport-broker/internal/dispatch"
	"github.com/example/transport-broker/internal/models"
	"github.com/example/transport-broker/internal/orders"
	"github.com/example/transport-broker/internal/pricing"
	"github.com/example/transport-broker/internal/storage"
)

type stubResolver struct{ km float64 }

func (s *stubResolver) DistanceKM(ctx context.Context, pickup, dropoff string) (float64, error) {
	return s.km, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T) (*httptest.Server, *orders.Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	discounts := storage.NewMemoryDiscounts()
	pricer := pricing.NewEngine(pricing.DefaultConfig())
	engine := discount.NewEngine(pricer)
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	svc := orders.NewService(store, discounts, &stubResolver{km: 100}, pricer, engine, logger)
	srv := NewServer(svc, dispatch.NewWSRegistry(logger), logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, svc, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/quote", map[string]any{
		"pickup_address":  "Oulu",
		"dropoff_address": "Kuopio",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	// The quote serializes flat, same shape as GET /quote.
	var out pricing.Quote
	decode(t, resp, &out)
	if out.KM != 100 || out.Gross != 67.77 {
		t.Fatalf("quote = %+v", out)
	}
}

func TestDiscountedQuoteSerializesFlat(t *testing.T) {
	ts, svc, _ := newTestServer(t)

	d := &discount.Discount{
		Name: "ten off", Scope: discount.ScopeGlobal,
		Rule: discount.Percentage{Percent: 10}, Active: true,
	}
	if err := svc.CreateDiscount(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, ts.URL+"/api/v1/quote/discounted", map[string]any{
		"user_id":         1,
		"pickup_address":  "Oulu",
		"dropoff_address": "Kuopio",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]json.RawMessage
	decode(t, resp, &out)
	for _, key := range []string{"km", "net", "gross", "original_net", "total_discount", "final_net", "final_gross", "applied_discounts"} {
		if _, ok := out[key]; !ok {
			t.Errorf("response missing top-level %q", key)
		}
	}
	if _, ok := out["quote"]; ok {
		t.Error("response nests the quote instead of inlining it")
	}
}

func TestQuoteEndpointMissingAddress(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/quote", map[string]any{"pickup_address": "Oulu"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]any{
		"user_id":         1,
		"pickup_address":  "Oulu",
		"dropoff_address": "Kuopio",
		"reg_number":      "ABC-123",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var o models.Order
	decode(t, resp, &o)
	if o.ID == 0 || o.Status != models.StatusNew || o.PriceGross != 67.77 {
		t.Fatalf("order = %+v", o)
	}

	get, err := http.Get(fmt.Sprintf("%s/api/v1/orders/%d", ts.URL, o.ID))
	if err != nil {
		t.Fatal(err)
	}
	if get.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", get.StatusCode)
	}
	var got models.Order
	decode(t, get, &got)
	if got.ID != o.ID || got.RegNumber != "ABC-123" {
		t.Fatalf("got = %+v", got)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/orders/999")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIllegalTransitionConflicts(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]any{
		"user_id": 1, "pickup_address": "a", "dropoff_address": "b",
	})
	var o models.Order
	decode(t, resp, &o)

	// NEW cannot jump straight to IN_TRANSIT.
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/api/v1/orders/%d/status", ts.URL, o.ID),
		bytes.NewReader([]byte(`{"status":"IN_TRANSIT"}`)))
	if err != nil {
		t.Fatal(err)
	}
	put, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer put.Body.Close()
	if put.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", put.StatusCode)
	}
}

func TestDriverWorkflowOverHTTP(t *testing.T) {
	ts, _, store := newTestServer(t)
	store.PutUser(&models.User{ID: 42, Role: models.RoleDriver, Status: "active"})

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]any{
		"user_id": 1, "pickup_address": "a", "dropoff_address": "b",
	})
	var o models.Order
	decode(t, resp, &o)
	base := fmt.Sprintf("%s/api/v1/orders/%d", ts.URL, o.ID)

	resp = postJSON(t, base+"/confirm", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The confirmed, unassigned order shows up for drivers without pricing.
	avail, err := http.Get(ts.URL + "/api/v1/orders/available")
	if err != nil {
		t.Fatal(err)
	}
	var list []models.Order
	decode(t, avail, &list)
	if len(list) != 1 || list[0].PriceGross != 0 {
		t.Fatalf("available = %+v", list)
	}

	resp = postJSON(t, base+"/assign", map[string]any{"driver_id": 42})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The wrong driver gets a 403.
	resp = postJSON(t, base+"/action", map[string]any{"driver_id": 7, "action": "driver_arrived"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign driver status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, base+"/action", map[string]any{"driver_id": 42, "action": "driver_arrived"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("arrive status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, base+"/images", map[string]any{
		"driver_id": 42, "slot": "pickup", "path": "/img/p1.jpg",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("image status = %d", resp.StatusCode)
	}
	decode(t, resp, &o)
	if o.Status != models.StatusPickupImagesAdded || len(o.Images.Pickup) != 1 {
		t.Fatalf("order after image = %+v", o)
	}

	// Deleting the image keeps the status and empties the slot.
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/images/%s?driver_id=42&slot=pickup", base, o.Images.Pickup[0].ID), nil)
	if err != nil {
		t.Fatal(err)
	}
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if del.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", del.StatusCode)
	}
	decode(t, del, &o)
	if len(o.Images.Pickup) != 0 {
		t.Fatalf("images = %+v", o.Images.Pickup)
	}
}

func TestPromoValidateEndpoint(t *testing.T) {
	ts, svc, _ := newTestServer(t)
	d := discount.Discount{
		Name: "summer", Scope: discount.ScopeCode, Code: "SUMMER",
		Rule: discount.Percentage{Percent: 10}, Active: true,
	}
	if err := svc.Discounts.CreateDiscount(context.Background(), &d); err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, ts.URL+"/api/v1/promo/validate", map[string]any{"code": "summer"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ok struct {
		Valid bool   `json:"valid"`
		Code  string `json:"code"`
	}
	decode(t, resp, &ok)
	if !ok.Valid || ok.Code != "SUMMER" {
		t.Fatalf("body = %+v", ok)
	}

	resp = postJSON(t, ts.URL+"/api/v1/promo/validate", map[string]any{"code": "NOPE"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var bad struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	decode(t, resp, &bad)
	if bad.Valid || bad.Error == "" {
		t.Fatalf("body = %+v", bad)
	}
}

func TestQuoteKMEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/quote?km=100")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var q pricing.Quote
	decode(t, resp, &q)
	if q.Gross != 67.77 {
		t.Fatalf("gross = %v", q.Gross)
	}

	resp, err = http.Get(ts.URL + "/api/v1/quote?km=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDiscountAdminEndpoints(t *testing.T) {
	ts, svc, _ := newTestServer(t)
	svc.Ledger = storage.NewMemoryLedger()

	resp := postJSON(t, ts.URL+"/api/v1/discounts", map[string]any{
		"name":   "ten off",
		"scope":  "global",
		"type":   "percentage",
		"value":  10,
		"active": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		ID    int64   `json:"id"`
		Value float64 `json:"value"`
	}
	decode(t, resp, &created)
	if created.ID == 0 || created.Value != 10 {
		t.Fatalf("created = %+v", created)
	}

	// An order books it; the stats reflect the use.
	resp = postJSON(t, ts.URL+"/api/v1/orders", map[string]any{
		"user_id": 1, "pickup_address": "a", "dropoff_address": "b",
	})
	resp.Body.Close()

	stats, err := http.Get(fmt.Sprintf("%s/api/v1/discounts/%d/stats", ts.URL, created.ID))
	if err != nil {
		t.Fatal(err)
	}
	var got storage.DiscountStats
	decode(t, stats, &got)
	if got.Uses != 1 || got.UniqueUsers != 1 || got.TotalSaved != 5.40 {
		t.Fatalf("stats = %+v", got)
	}

	// Deactivation is a soft delete.
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/v1/discounts/%d", ts.URL, created.ID), nil)
	if err != nil {
		t.Fatal(err)
	}
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var deactivated struct {
		Active bool `json:"active"`
	}
	decode(t, del, &deactivated)
	if deactivated.Active {
		t.Fatal("discount still active after delete")
	}

	list, err := http.Get(ts.URL + "/api/v1/discounts")
	if err != nil {
		t.Fatal(err)
	}
	var all []struct {
		ID int64 `json:"id"`
	}
	decode(t, list, &all)
	if len(all) != 1 {
		t.Fatalf("list = %+v", all)
	}
}

func TestUserOrdersEmptyIsArray(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/users/1/orders")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if got := bytes.TrimSpace(buf.Bytes()); string(got) != "[]" {
		t.Fatalf("body = %s", got)
	}
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
