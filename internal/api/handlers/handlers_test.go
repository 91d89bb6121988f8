package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/extraction"
	"github.com/medtrack/go-medtrack/internal/order"
	"github.com/medtrack/go-medtrack/internal/tracker"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
)

const testUser = "user-1"

// asUser builds a router whose requests are authenticated as testUser
func asUser(mount func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), testUser)))
		})
	})
	mount(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

type fakePrescriptions struct {
	created []prescription.Draft
	userIDs []string
	records []prescription.Record
	search  string
	err     error
}

func (f *fakePrescriptions) Create(_ context.Context, userID string, draft prescription.Draft, _ string) (*prescription.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, draft)
	f.userIDs = append(f.userIDs, userID)
	meds, _ := prescription.EncodeMedications(draft.Medications)
	return &prescription.Record{ID: "rx-new", UserID: userID, DoctorName: draft.DoctorName, Medications: meds}, nil
}

func (f *fakePrescriptions) History(_ context.Context, _ string, search string) ([]prescription.Record, error) {
	f.search = search
	return prescription.FilterHistory(f.records, search), f.err
}

func (f *fakePrescriptions) Get(_ context.Context, userID, id string) (*prescription.Record, error) {
	for _, r := range f.records {
		if r.ID == id && r.UserID == userID {
			return &r, nil
		}
	}
	return nil, prescription.ErrNotFound
}

type counter struct{ n int }

func (c *counter) ObservePrescriptionCreated() { c.n++ }

func prescriptionRouter(repo *fakePrescriptions, obs CreatedObserver) http.Handler {
	h := NewPrescriptionHandler(repo, obs, zap.NewNop())
	return asUser(func(r chi.Router) { r.Mount("/prescriptions", h.Routes()) })
}

func TestCreatePrescription(t *testing.T) {
	repo := &fakePrescriptions{}
	obs := &counter{}
	h := prescriptionRouter(repo, obs)

	body := `{"doctor_name":"Dr. Rahman","hospital_name":"City","medications":[{"name":" Napa ","doses_time_01":["morning"],"doses_time_02":"after meal"}]}`
	rec := do(t, h, http.MethodPost, "/prescriptions/", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if obs.n != 1 {
		t.Errorf("observed %d creations", obs.n)
	}
	if len(repo.created) != 1 || repo.userIDs[0] != testUser {
		t.Fatalf("created = %+v for %v", repo.created, repo.userIDs)
	}
	med := repo.created[0].Medications[0]
	if med.Name != "Napa" || med.ID == "" || med.Instruction != prescription.InstructionAfterMeal {
		t.Errorf("medication = %+v", med)
	}
}

func TestCreatePrescriptionValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{`, "invalid request body"},
		{"no medications", `{"doctor_name":"Dr. A","medications":[]}`, "at least one medication is required"},
		{"blank name", `{"medications":[{"name":"  "}]}`, "medication name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakePrescriptions{}
			rec := do(t, prescriptionRouter(repo, nil), http.MethodPost, "/prescriptions/", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := errorBody(t, rec); got != tt.want {
				t.Errorf("error = %q, want %q", got, tt.want)
			}
			if len(repo.created) != 0 {
				t.Error("nothing should be saved")
			}
		})
	}
}

func TestCreatePrescriptionSaveFailure(t *testing.T) {
	repo := &fakePrescriptions{err: errors.New("db down")}
	rec := do(t, prescriptionRouter(repo, nil), http.MethodPost, "/prescriptions/", `{"medications":[{"name":"Napa"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestListPrescriptions(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakePrescriptions{records: []prescription.Record{
		{ID: "a", UserID: testUser, DoctorName: "Dr. Karim", HospitalName: "Square", CreatedAt: t0},
		{ID: "b", UserID: testUser, DoctorName: "Dr. Rahman", HospitalName: "City", CreatedAt: t0.Add(time.Hour)},
	}}
	rec := do(t, prescriptionRouter(repo, nil), http.MethodGet, "/prescriptions/?search=city", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if repo.search != "city" {
		t.Errorf("search = %q", repo.search)
	}
	var resp struct {
		Prescriptions []prescription.Record `json:"prescriptions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Prescriptions) != 1 || resp.Prescriptions[0].ID != "b" {
		t.Errorf("prescriptions = %+v", resp.Prescriptions)
	}

	rec = do(t, prescriptionRouter(repo, nil), http.MethodGet, "/prescriptions/?search=nobody", "")
	if !strings.Contains(rec.Body.String(), `"prescriptions":[]`) {
		t.Errorf("empty result body = %s", rec.Body.String())
	}
}

func TestGetPrescription(t *testing.T) {
	repo := &fakePrescriptions{records: []prescription.Record{
		{ID: "good", UserID: testUser, Medications: json.RawMessage(`[{"name":"Napa","doses_time_01":["night"]}]`)},
		{ID: "bad", UserID: testUser, Medications: json.RawMessage(`{"oops":true}`)},
		{ID: "other", UserID: "someone-else", Medications: json.RawMessage(`[]`)},
	}}
	h := prescriptionRouter(repo, nil)

	rec := do(t, h, http.MethodGet, "/prescriptions/good", "")
	var detail DetailResponse
	json.Unmarshal(rec.Body.Bytes(), &detail)
	if rec.Code != http.StatusOK || len(detail.Items) != 1 || detail.Items[0].Name != "Napa" {
		t.Errorf("good: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/prescriptions/bad", "")
	detail = DetailResponse{}
	json.Unmarshal(rec.Body.Bytes(), &detail)
	if rec.Code != http.StatusOK || detail.ParseError == "" || len(detail.Items) != 0 {
		t.Errorf("bad: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/prescriptions/other", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("other user's record: status = %d", rec.Code)
	}
}

type fakeExtractor struct {
	draft *prescription.Draft
	err   error
}

func (f *fakeExtractor) Analyze(_ context.Context, image string) (*prescription.Draft, error) {
	if image == "" {
		return nil, extraction.ErrEmptyImage
	}
	return f.draft, f.err
}

func TestExtraction(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"ok", `{"image":"aGVsbG8="}`, nil, http.StatusOK},
		{"empty image", `{"image":""}`, nil, http.StatusBadRequest},
		{"unreadable", `{"image":"aGVsbG8="}`, extraction.ErrExtractionFailed, http.StatusUnprocessableEntity},
		{"breaker open", `{"image":"aGVsbG8="}`, circuitbreaker.ErrOpen, http.StatusServiceUnavailable},
		{"upstream error", `{"image":"aGVsbG8="}`, errors.New("status 500"), http.StatusBadGateway},
		{"malformed", `[`, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExtractor{draft: &prescription.Draft{DoctorName: "Dr. A"}, err: tt.err}
			if tt.err != nil {
				ex.draft = nil
			}
			h := asUser(func(r chi.Router) {
				r.Mount("/extractions", NewExtractionHandler(ex, zap.NewNop()).Routes())
			})
			rec := do(t, h, http.MethodPost, "/extractions/", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

type fakeTracker struct {
	statuses dose.StatusMap
	known    map[string]bool
	err      error
}

func (f *fakeTracker) Dashboard(context.Context, string) (*tracker.Dashboard, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tracker.Dashboard{
		Date:     "Mon Mar 04 2024",
		Buckets:  dose.Partition(nil, f.statuses),
		Statuses: f.statuses,
	}, nil
}

func (f *fakeTracker) Notifications(context.Context, string) (*tracker.Notifications, error) {
	return &tracker.Notifications{
		Slot:   dose.SlotMorning,
		Label:  dose.WindowLabel(dose.SlotMorning),
		Events: []dose.Event{{Identity: "rx1_Napa_morning", TimeSlot: dose.SlotMorning}},
	}, nil
}

func (f *fakeTracker) SetStatus(_ context.Context, _ string, identity string, st dose.Status) (dose.StatusMap, error) {
	if !f.known[identity] && st != dose.StatusNone {
		return nil, fmt.Errorf("%w: %s", tracker.ErrUnknownDose, identity)
	}
	if st == dose.StatusNone {
		delete(f.statuses, identity)
	} else {
		f.statuses[identity] = st
	}
	return f.statuses.Clone(), nil
}

func (f *fakeTracker) MarkDone(ctx context.Context, userID, identity string) (dose.StatusMap, error) {
	return f.SetStatus(ctx, userID, identity, dose.StatusCompleted)
}

func doseRouter(tr *fakeTracker) http.Handler {
	h := NewDoseHandler(tr, zap.NewNop())
	return asUser(func(r chi.Router) {
		r.Mount("/doses", h.Routes())
		r.Mount("/notifications", h.NotificationRoutes())
	})
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		statuses: dose.StatusMap{},
		known:    map[string]bool{"rx1_Napa_morning": true},
	}
}

func TestSetStatus(t *testing.T) {
	tr := newFakeTracker()
	h := doseRouter(tr)

	rec := do(t, h, http.MethodPut, "/doses/status", `{"identity":"rx1_Napa_morning","status":"skipped"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if tr.statuses["rx1_Napa_morning"] != dose.StatusSkipped {
		t.Errorf("statuses = %v", tr.statuses)
	}

	rec = do(t, h, http.MethodPut, "/doses/status", `{"identity":"rx1_Napa_morning","status":null}`)
	if rec.Code != http.StatusOK || len(tr.statuses) != 0 {
		t.Errorf("clear: %d %v", rec.Code, tr.statuses)
	}
	if !strings.Contains(rec.Body.String(), `"statuses":{}`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSetStatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"unknown status", `{"identity":"rx1_Napa_morning","status":"taken"}`, http.StatusBadRequest},
		{"missing identity", `{"status":"completed"}`, http.StatusBadRequest},
		{"unscheduled dose", `{"identity":"rx9_Ghost_noon","status":"completed"}`, http.StatusNotFound},
		{"malformed", `{"identity":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, doseRouter(newFakeTracker()), http.MethodPut, "/doses/status", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestDashboard(t *testing.T) {
	rec := do(t, doseRouter(newFakeTracker()), http.MethodGet, "/doses/dashboard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{`"date":"Mon Mar 04 2024"`, `"upcoming":[]`, `"completed":[]`, `"missed":[]`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("body %s missing %s", rec.Body.String(), want)
		}
	}

	tr := newFakeTracker()
	tr.err = errors.New("db down")
	if rec := do(t, doseRouter(tr), http.MethodGet, "/doses/dashboard", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("failure status = %d", rec.Code)
	}
}

func TestNotificationsAndDone(t *testing.T) {
	tr := newFakeTracker()
	h := doseRouter(tr)

	rec := do(t, h, http.MethodGet, "/notifications/", "")
	var n tracker.Notifications
	json.Unmarshal(rec.Body.Bytes(), &n)
	if rec.Code != http.StatusOK || n.Label != "Morning Reminder (8 AM - 11 AM)" || len(n.Events) != 1 {
		t.Errorf("notifications: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/notifications/done", `{"identity":"rx1_Napa_morning"}`)
	if rec.Code != http.StatusOK || tr.statuses["rx1_Napa_morning"] != dose.StatusCompleted {
		t.Errorf("done: %d %v", rec.Code, tr.statuses)
	}

	if rec := do(t, h, http.MethodPost, "/notifications/done", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing identity: status = %d", rec.Code)
	}
}

type fakeOrders struct {
	cart       *order.Cart
	selections []order.Selection
}

func (f *fakeOrders) Cart(context.Context, string) (*order.Cart, error) {
	c := &order.Cart{Items: append([]order.Item(nil), f.cart.Items...)}
	return c, nil
}

func (f *fakeOrders) Checkout(ctx context.Context, userID string, selections []order.Selection) (*order.Invoice, error) {
	f.selections = selections
	cart, _ := f.Cart(ctx, userID)
	if err := cart.Apply(selections); err != nil {
		return nil, err
	}
	return order.Checkout(cart, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), func() int { return 123456 })
}

func orderRouter(o *fakeOrders) http.Handler {
	return asUser(func(r chi.Router) {
		r.Mount("/orders", NewOrderHandler(o, zap.NewNop()).Routes())
	})
}

func TestCartAndCheckout(t *testing.T) {
	o := &fakeOrders{cart: &order.Cart{Items: []order.Item{
		{ID: "m1", Name: "Napa", Price: 30, Quantity: 1},
		{ID: "m2", Name: "Zinc", Price: 30, Quantity: 1},
	}}}
	h := orderRouter(o)

	rec := do(t, h, http.MethodGet, "/orders/cart", "")
	var cart CartResponse
	json.Unmarshal(rec.Body.Bytes(), &cart)
	if rec.Code != http.StatusOK || len(cart.Items) != 2 || cart.Total != 60 {
		t.Errorf("cart: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/orders/checkout", `{"items":[{"id":"m2","quantity":3}]}`)
	var inv order.Invoice
	json.Unmarshal(rec.Body.Bytes(), &inv)
	if rec.Code != http.StatusCreated || inv.ID != 123456 || inv.GrandTotal != 90 || inv.Status != order.InvoiceStatus {
		t.Errorf("checkout: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/orders/checkout", "")
	json.Unmarshal(rec.Body.Bytes(), &inv)
	if rec.Code != http.StatusCreated || len(inv.Items) != 2 || o.selections != nil {
		t.Errorf("empty body checkout: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCheckoutHTMLAndErrors(t *testing.T) {
	o := &fakeOrders{cart: &order.Cart{Items: []order.Item{{ID: "m1", Name: "Napa", Price: 30, Quantity: 1}}}}

	rec := do(t, orderRouter(o), http.MethodPost, "/orders/checkout?format=html", `{"items":[]}`)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("html: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "123456") {
		t.Error("invoice number missing from html")
	}

	rec = do(t, orderRouter(o), http.MethodPost, "/orders/checkout", `{"items":[{"id":"ghost"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown item: status = %d", rec.Code)
	}

	empty := &fakeOrders{cart: &order.Cart{}}
	rec = do(t, orderRouter(empty), http.MethodPost, "/orders/checkout", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty cart: status = %d", rec.Code)
	}
}
