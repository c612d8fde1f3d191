package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/martinsuchenak/vnetd/internal/allocator"
	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/storage"
	"github.com/martinsuchenak/vnetd/internal/transport"
	"github.com/martinsuchenak/vnetd/internal/worker"
)

// setupTestServer serves the API over an allocator backed by memory storage
func setupTestServer(t *testing.T, cfg transport.Config) *httptest.Server {
	t.Helper()

	store, err := storage.NewMemoryStorage()
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	pool, err := transport.NewPool(cfg, store)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	workers := worker.NewWorkerPool(2)
	workers.Start()
	t.Cleanup(workers.Stop)

	handler := NewHandler(allocator.New(store, pool), worker.NewReconciler(store, pool, workers))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func doRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func createNetwork(t *testing.T, base, tenant, name string) model.NetworkView {
	t.Helper()
	resp := doRequest(t, "POST", base+"/api/"+tenant+"/networks", map[string]string{"name": name})
	expectStatus(t, resp, http.StatusCreated)
	var view model.NetworkView
	decodeBody(t, resp, &view)
	return view
}

func createPort(t *testing.T, base, tenant, networkID string) model.PortView {
	t.Helper()
	resp := doRequest(t, "POST", fmt.Sprintf("%s/api/%s/networks/%s/ports", base, tenant, networkID), map[string]string{"admin_state": "UP"})
	expectStatus(t, resp, http.StatusCreated)
	var view model.PortView
	decodeBody(t, resp, &view)
	return view
}

func TestHandler_NetworkLifecycle(t *testing.T) {
	server := setupTestServer(t, transport.Config{})
	base := server.URL

	network := createNetwork(t, base, "acme", "blue")
	if network.Link == nil || network.Status != model.NetworkDown {
		t.Errorf("Expected DOWN network with link, got %+v", network)
	}

	resp := doRequest(t, "GET", base+"/api/acme/networks", nil)
	expectStatus(t, resp, http.StatusOK)
	var list []model.NetworkView
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0].ID != network.ID {
		t.Errorf("Expected list with the network, got %+v", list)
	}

	resp = doRequest(t, "GET", base+"/api/acme/networks/"+network.ID+"/link", nil)
	expectStatus(t, resp, http.StatusOK)
	var link model.TransportLink
	decodeBody(t, resp, &link)
	if link.CIDR != network.Link.CIDR {
		t.Errorf("Expected link %s, got %s", network.Link.CIDR, link.CIDR)
	}

	resp = doRequest(t, "PUT", base+"/api/acme/networks/"+network.ID, map[string]string{"status": "ACTIVE"})
	expectStatus(t, resp, http.StatusOK)
	var updated model.NetworkView
	decodeBody(t, resp, &updated)
	if updated.Status != model.NetworkActive {
		t.Errorf("Expected ACTIVE, got %s", updated.Status)
	}

	resp = doRequest(t, "DELETE", base+"/api/acme/networks/"+network.ID, nil)
	expectStatus(t, resp, http.StatusOK)

	resp = doRequest(t, "GET", base+"/api/acme/networks/"+network.ID, nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestHandler_PortLifecycle(t *testing.T) {
	server := setupTestServer(t, transport.Config{})
	base := server.URL
	network := createNetwork(t, base, "acme", "blue")
	port := createPort(t, base, "acme", network.ID)
	portURL := fmt.Sprintf("%s/api/acme/networks/%s/ports/%s", base, network.ID, port.ID)

	resp := doRequest(t, "GET", portURL+"/binding", nil)
	expectStatus(t, resp, http.StatusOK)
	var binding model.PortBinding
	decodeBody(t, resp, &binding)
	if binding.SrcPort != network.Link.Port {
		t.Errorf("Expected binding at link base port %d, got %d", network.Link.Port, binding.SrcPort)
	}

	resp = doRequest(t, "PUT", portURL+"/attachment", map[string]string{"id": "vif-1"})
	expectStatus(t, resp, http.StatusOK)

	resp = doRequest(t, "PUT", portURL+"/attachment", map[string]string{"id": "vif-2"})
	expectStatus(t, resp, http.StatusConflict)
	var conflict map[string]string
	decodeBody(t, resp, &conflict)
	if conflict["attachment"] != "vif-1" {
		t.Errorf("Expected conflicting attachment vif-1, got %v", conflict)
	}

	resp = doRequest(t, "DELETE", portURL, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp = doRequest(t, "DELETE", base+"/api/acme/networks/"+network.ID, nil)
	expectStatus(t, resp, http.StatusConflict)

	resp = doRequest(t, "DELETE", portURL+"/attachment", nil)
	expectStatus(t, resp, http.StatusOK)
	var unplugged model.PortView
	decodeBody(t, resp, &unplugged)
	if unplugged.Attachment != "" || unplugged.Status != model.PortDown {
		t.Errorf("Expected detached DOWN port, got %+v", unplugged)
	}

	resp = doRequest(t, "PUT", portURL+"/attributes", map[string]any{"mtu": 1400})
	expectStatus(t, resp, http.StatusOK)
	resp = doRequest(t, "GET", portURL+"/attributes", nil)
	expectStatus(t, resp, http.StatusOK)
	var attrs map[string]any
	decodeBody(t, resp, &attrs)
	if attrs["mtu"] != float64(1400) {
		t.Errorf("Expected mtu 1400, got %v", attrs)
	}

	resp = doRequest(t, "DELETE", portURL, nil)
	expectStatus(t, resp, http.StatusOK)
	resp = doRequest(t, "GET", portURL, nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestHandler_ErrorMapping(t *testing.T) {
	server := setupTestServer(t, transport.Config{BindingsPerLink: 1})
	base := server.URL
	network := createNetwork(t, base, "acme", "blue")
	createPort(t, base, "acme", network.ID)
	netURL := "/api/%s/networks/" + network.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"other tenant", "GET", fmt.Sprintf(netURL, "evil"), nil, http.StatusForbidden},
		{"missing network", "GET", "/api/acme/networks/nope", nil, http.StatusNotFound},
		{"empty name", "POST", "/api/acme/networks", map[string]string{"name": ""}, http.StatusBadRequest},
		{"bad status", "PUT", fmt.Sprintf(netURL, "acme"), map[string]string{"status": "MELTED"}, http.StatusBadRequest},
		{"exhausted", "POST", fmt.Sprintf(netURL, "acme") + "/ports", map[string]string{}, http.StatusInsufficientStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, tt.method, base+tt.path, tt.body)
			expectStatus(t, resp, tt.want)
		})
	}
}

func TestHandler_InvalidBody(t *testing.T) {
	server := setupTestServer(t, transport.Config{})

	req, _ := http.NewRequest("POST", server.URL+"/api/acme/networks", bytes.NewReader([]byte("{not json")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestHandler_PoolStatsAndReconcile(t *testing.T) {
	server := setupTestServer(t, transport.Config{})
	network := createNetwork(t, server.URL, "acme", "blue")
	createPort(t, server.URL, "acme", network.ID)

	resp := doRequest(t, "GET", server.URL+"/api/pool", nil)
	expectStatus(t, resp, http.StatusOK)
	var stats transport.Stats
	decodeBody(t, resp, &stats)
	if stats.BlocksUsed != 1 || stats.Bindings != 1 {
		t.Errorf("Expected one block and one binding in use, got %+v", stats)
	}

	resp = doRequest(t, "POST", server.URL+"/api/pool/reconcile", nil)
	expectStatus(t, resp, http.StatusOK)
	var report worker.Report
	decodeBody(t, resp, &report)
	if len(report.ReleasedLinks) != 0 || len(report.MissingLinks) != 0 {
		t.Errorf("Expected clean reconcile report, got %+v", report)
	}
}

func TestHandler_ReconcileNotConfigured(t *testing.T) {
	handler := NewHandler(nil, nil)
	w := httptest.NewRecorder()
	handler.reconcile(w, httptest.NewRequest("POST", "/api/pool/reconcile", nil))

	if w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status 501, got %d", w.Code)
	}
}

// failingAllocator returns err from every call the test exercises
type failingAllocator struct {
	allocator.Service
	err error
}

func (f *failingAllocator) ListNetworks(context.Context, string) ([]model.NetworkView, error) {
	return nil, f.err
}

func TestHandler_InternalErrorHidesDetails(t *testing.T) {
	handler := NewHandler(&failingAllocator{err: errors.New("database password is hunter2")}, nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/acme/networks", nil)
	req.SetPathValue("tenant", "acme")

	handler.listNetworks(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("hunter2")) {
		t.Error("Expected internal error details to be hidden")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", model.ErrNotFound), http.StatusNotFound},
		{model.ErrNotAuthorized, http.StatusForbidden},
		{&model.AlreadyAttachedError{}, http.StatusConflict},
		{model.ErrPortInUse, http.StatusConflict},
		{model.ErrNetworkInUse, http.StatusConflict},
		{model.ErrResourceExhausted, http.StatusInsufficientStorage},
		{model.Validationf("bad"), http.StatusBadRequest},
		{errors.New("other"), 0},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
