package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type mockMetricsRecorder struct {
	records []metricRecord
}

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func (m *mockMetricsRecorder) record(method, endpoint, status string, duration time.Duration) {
	m.records = append(m.records, metricRecord{
		method:   method,
		endpoint: endpoint,
		status:   status,
		duration: duration,
	})
}

func (m *mockMetricsRecorder) reset() {
	m.records = []metricRecord{}
}

var mockRecorder = &mockMetricsRecorder{}

func setupMock() func() {
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		mockRecorder.record(method, endpoint, status, duration)
	}
	return func() { recordHTTPRequest = original }
}

func testRouter(handlerStatus int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/tasks/:id", func(c *gin.Context) {
		c.Status(handlerStatus)
	})
	r.POST("/api/tasks", func(c *gin.Context) {
		c.Status(handlerStatus)
	})
	return r
}

func TestMetrics(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	tests := []struct {
		name               string
		method             string
		path               string
		handlerStatusCode  int
		expectedEndpoint   string
		expectedStatusCode string
	}{
		{
			name:               "GET task by id with 200",
			method:             http.MethodGet,
			path:               "/api/tasks/123",
			handlerStatusCode:  http.StatusOK,
			expectedEndpoint:   "/api/tasks/:id",
			expectedStatusCode: "200",
		},
		{
			name:               "POST task with 201",
			method:             http.MethodPost,
			path:               "/api/tasks",
			handlerStatusCode:  http.StatusCreated,
			expectedEndpoint:   "/api/tasks",
			expectedStatusCode: "201",
		},
		{
			name:               "GET task by id with 500",
			method:             http.MethodGet,
			path:               "/api/tasks/123",
			handlerStatusCode:  http.StatusInternalServerError,
			expectedEndpoint:   "/api/tasks/:id",
			expectedStatusCode: "500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRecorder.reset()

			router := testRouter(tt.handlerStatusCode)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.handlerStatusCode {
				t.Errorf("expected status code %d, got %d", tt.handlerStatusCode, rec.Code)
			}

			if len(mockRecorder.records) != 1 {
				t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
			}

			m := mockRecorder.records[0]
			if m.method != tt.method {
				t.Errorf("expected method %q, got %q", tt.method, m.method)
			}
			if m.endpoint != tt.expectedEndpoint {
				t.Errorf("expected endpoint %q, got %q", tt.expectedEndpoint, m.endpoint)
			}
			if m.status != tt.expectedStatusCode {
				t.Errorf("expected status %q, got %q", tt.expectedStatusCode, m.status)
			}
			if m.duration <= 0 {
				t.Error("expected duration > 0")
			}
		})
	}
}

func TestMetrics_UnmatchedRoute(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()

	router := testRouter(http.StatusOK)
	req := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if len(mockRecorder.records) != 1 {
		t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
	}

	if mockRecorder.records[0].endpoint != "unmatched" {
		t.Errorf("expected endpoint %q, got %q", "unmatched", mockRecorder.records[0].endpoint)
	}
}
