package cube

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/retry"
)

func fastRetry() Option {
	return WithRetry(&retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
}

func TestLoadCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cubejs-api/v1/meta" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "secret-token" {
			t.Errorf("Authorization = %q, want raw token", got)
		}
		w.Write([]byte(metaJSON))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/cubejs-api/v1/", "secret-token")
	cat, err := c.LoadCatalog(context.Background())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Models) != 1 || len(cat.Views) != 1 {
		t.Errorf("models=%d views=%d", len(cat.Models), len(cat.Views))
	}
}

func TestLoadCatalog_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(metaJSON))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", fastRetry())
	if _, err := c.LoadCatalog(context.Background()); err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestLoadCatalog_Unavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", fastRetry())
	_, err := c.LoadCatalog(context.Background())
	if !errors.Is(err, apperrors.ErrCatalogUnavailable) {
		t.Fatalf("got %v, want ErrCatalogUnavailable", err)
	}
	if calls.Load() != 1 {
		t.Errorf("403 must not be retried, calls = %d", calls.Load())
	}

	srv.Close()
	if _, err := c.LoadCatalog(context.Background()); !errors.Is(err, apperrors.ErrCatalogUnavailable) {
		t.Errorf("closed server: got %v", err)
	}
}

func TestExecute_StatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantOK  bool
		wantMsg string
	}{
		{"rows", 200, `{"data":[{"Orders.count":"12"}]}`, true, ""},
		{"empty rows", 200, `{"data":[]}`, true, ""},
		{"no data key", 200, `{}`, false, "No data returned from Cube.js."},
		{"bad request", 400, `{"error":"x"}`, false, "Bad request. The query format might be incorrect."},
		{"unprocessable", 422, `{"error":"x"}`, false, "Invalid dimensions or measures."},
		{"server error", 503, ``, false, "Cube.js API returned status code 503."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body struct {
					Query Query `json:"query"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Query.Measures) != 1 {
					t.Errorf("request body not wrapped in query: %v", err)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			res := NewClient(srv.URL, "").Execute(context.Background(), Query{Measures: []string{"Orders.count"}})
			if res.Status != tc.status {
				t.Errorf("status = %d, want %d", res.Status, tc.status)
			}
			if res.OK() != tc.wantOK {
				t.Errorf("OK() = %v, want %v", res.OK(), tc.wantOK)
			}
			if res.Message != tc.wantMsg {
				t.Errorf("message = %q, want %q", res.Message, tc.wantMsg)
			}
		})
	}
}

func TestExecute_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	res := NewClient(srv.URL, "").Execute(context.Background(), Query{})
	if res.Status != 0 {
		t.Errorf("status = %d, want 0", res.Status)
	}
	if !strings.HasPrefix(res.Message, "Error executing Cube.js query: ") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestExecute_PollsContinueWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"error":"Continue wait"}`))
			return
		}
		w.Write([]byte(`{"data":[{"Orders.count":"5"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithMaxWaitPolls(5, time.Millisecond))
	res := c.Execute(context.Background(), Query{})
	if !res.OK() || len(res.Rows) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestExecute_ContinueWaitGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Continue wait"}`))
	}))
	defer srv.Close()

	res := NewClient(srv.URL, "", WithMaxWaitPolls(2, time.Millisecond)).Execute(context.Background(), Query{})
	if res.OK() || res.Status != 200 || res.Message == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestSQL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sql" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"sql":{"sql":["SELECT\n  count(*)\nFROM orders", []]}}`))
	}))
	defer srv.Close()

	sql, err := NewClient(srv.URL, "").SQL(context.Background(), Query{Measures: []string{"Orders.count"}})
	if err != nil {
		t.Fatalf("SQL: %v", err)
	}
	if sql != "SELECT   count(*) FROM orders" {
		t.Errorf("sql = %q", sql)
	}
}
