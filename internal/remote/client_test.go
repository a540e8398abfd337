package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func testClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	cfg := config.Config{
		RemoteRESTURL:      "https://example.test/rest/v1",
		RemoteAPIKey:       "anon-key",
		RemoteTable:        "shareholders",
		RemoteRateLimitRPS: 1000,
		RemoteTimeoutMs:    1000,
	}
	client, err := NewClient(cfg, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	client.backoff = time.Millisecond
	client.httpClient = &http.Client{Transport: rt}
	return client
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestWriteBatchRetriesAndPosts(t *testing.T) {
	attempt := 0
	var posted []map[string]any
	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/shareholders" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("apikey") != "anon-key" || r.Header.Get("Authorization") != "Bearer anon-key" {
			t.Fatalf("missing auth headers: %v", r.Header)
		}
		if r.Header.Get("Prefer") != "return=minimal" {
			t.Fatalf("prefer=%q", r.Header.Get("Prefer"))
		}
		attempt++
		if attempt == 1 {
			return response(http.StatusServiceUnavailable, `{"message":"busy"}`), nil
		}
		blob, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(blob, &posted); err != nil {
			t.Fatal(err)
		}
		return response(http.StatusCreated, ""), nil
	})

	batch := []internal.ShareholderRecord{
		{Orgnr: "912345678", Selskap: "Fjord AS", NavnAksjonaer: "Kari", AntallAksjer: "10"},
		{Orgnr: "912345678", Selskap: "Fjord AS", NavnAksjonaer: "Ola", AntallAksjer: "5"},
	}
	if err := client.WriteBatch(context.Background(), "imp-1", 10001, batch); err != nil {
		t.Fatal(err)
	}
	if attempt != 2 {
		t.Fatalf("attempt=%d", attempt)
	}
	if len(posted) != 2 {
		t.Fatalf("len=%d", len(posted))
	}
	if posted[1]["line_no"] != float64(10002) || posted[1]["import_id"] != "imp-1" || posted[1]["navn_aksjonaer"] != "Ola" {
		t.Fatalf("row=%v", posted[1])
	}
	if _, ok := posted[0]["landkode"]; !ok {
		t.Fatal("optional fields should be sent as null")
	}
}

func TestWriteBatchClientErrorNotRetried(t *testing.T) {
	attempt := 0
	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		attempt++
		return response(http.StatusBadRequest, `{"message":"bad column"}`), nil
	})
	err := client.WriteBatch(context.Background(), "imp-1", 1, []internal.ShareholderRecord{{Orgnr: "1", AntallAksjer: "0"}})
	if err == nil || !strings.Contains(err.Error(), "bad column") {
		t.Fatalf("err=%v", err)
	}
	if attempt != 1 {
		t.Fatalf("attempt=%d", attempt)
	}
}

func TestWriteBatchGivesUpAfterMaxAttempts(t *testing.T) {
	attempt := 0
	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		attempt++
		return response(http.StatusTooManyRequests, ""), nil
	})
	if err := client.WriteBatch(context.Background(), "imp-1", 1, nil); err == nil {
		t.Fatal("expected error")
	}
	if attempt != maxAttempts {
		t.Fatalf("attempt=%d", attempt)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(config.Config{RemoteAPIKey: "k"}, logrus.New()); err == nil {
		t.Fatal("expected error")
	}
}

func TestTransportErrorsBackOff(t *testing.T) {
	var calls []time.Time
	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		calls = append(calls, time.Now())
		if len(calls) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return response(http.StatusCreated, ""), nil
	})
	client.backoff = 20 * time.Millisecond

	batch := []internal.ShareholderRecord{{Orgnr: "912345678", AntallAksjer: "1"}}
	if err := client.WriteBatch(context.Background(), "imp-1", 1, batch); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 3 {
		t.Fatalf("calls=%d", len(calls))
	}
	if gap := calls[1].Sub(calls[0]); gap < 20*time.Millisecond {
		t.Fatalf("first retry after %v", gap)
	}
	if gap := calls[2].Sub(calls[1]); gap < 40*time.Millisecond {
		t.Fatalf("second retry after %v", gap)
	}
}

func TestTransportErrorBackoffHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	client.backoff = time.Hour
	time.AfterFunc(50*time.Millisecond, cancel)

	err := client.WriteBatch(ctx, "imp-1", 1, []internal.ShareholderRecord{{Orgnr: "912345678"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}
