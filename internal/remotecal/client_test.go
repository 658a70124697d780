package remotecal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calmirror/calmirror/internal/calsync"
)

func staticToken(token string) AccessTokenProvider {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func testClient(serverURL string) *Client {
	return NewClient(ClientOptions{
		BaseURL:       serverURL,
		TokenProvider: staticToken("tok"),
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestListEventsDrainsPages(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/page2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{"id": "b", "subject": "Second"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":           []map[string]any{{"id": "a", "subject": "First"}},
			"@odata.nextLink": server.URL + "/page2",
		})
	}))
	defer server.Close()

	items, err := testClient(server.URL).ListEvents(context.Background(), "cal-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" {
		t.Fatalf("expected both pages drained, got %+v", items)
	}
}

func TestListCalendars(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/calendars" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"id": "cal-1", "name": "Calendar"},
				{"id": "cal-2", "name": "Work"},
			},
		})
	}))
	defer server.Close()

	calendars, err := testClient(server.URL).ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(calendars) != 2 || calendars[1].Name != "Work" {
		t.Fatalf("unexpected calendars %+v", calendars)
	}
}

func TestRetriesOnTooManyRequests(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "a", "subject": "First"})
	}))
	defer server.Close()

	item, err := testClient(server.URL).GetEvent(context.Background(), "a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
	if item.ID != "a" {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me/events/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/me/events/denied":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"invalidRequest","message":"bad payload"}}`))
		}
	}))
	defer server.Close()
	client := testClient(server.URL)

	if _, err := client.GetEvent(context.Background(), "gone"); !errors.Is(err, calsync.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := client.GetEvent(context.Background(), "denied"); !errors.Is(err, calsync.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	_, err := client.GetEvent(context.Background(), "other")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != "invalidRequest" || httpErr.Message != "bad payload" {
		t.Fatalf("expected parsed error envelope, got %+v", httpErr)
	}
}

func TestDeleteEventTolerates404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := testClient(server.URL).DeleteEvent(context.Background(), "gone"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestAddEventCapturesAssignedID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event wireEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		if event.Subject != "Standup" {
			t.Errorf("expected subject to be sent, got %q", event.Subject)
		}
		event.ID = "assigned-1"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(event)
	}))
	defer server.Close()

	item := &calsync.DestinationItem{Subject: "Standup", Type: calsync.EventSingle}
	if err := testClient(server.URL).AddEvent(context.Background(), "cal-1", item); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if item.ID != "assigned-1" {
		t.Fatalf("expected the assigned id to be captured, got %q", item.ID)
	}
}

func TestWireRecurrenceRoundTrip(t *testing.T) {
	rec := &calsync.Recurrence{
		Type:        calsync.PatternRelativeMonthly,
		Interval:    2,
		DaysOfWeek:  []calsync.Weekday{calsync.Tuesday},
		Index:       1,
		StartDate:   "2026-01-13",
		RangeType:   calsync.RangeNumbered,
		Occurrences: 6,
	}
	wire := recurrenceFromItem(rec)
	if wire.Pattern.Index != "second" {
		t.Fatalf("expected index name 'second', got %q", wire.Pattern.Index)
	}
	back := recurrenceToItem(wire)
	if back.Index != 1 || back.Type != calsync.PatternRelativeMonthly {
		t.Fatalf("round trip lost fields: %+v", back)
	}
	if back.RangeType != calsync.RangeNumbered || back.Occurrences != 6 {
		t.Fatalf("round trip lost range: %+v", back)
	}
}

func TestWireDateTimeKeepsZone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	original := time.Date(2026, time.March, 3, 9, 0, 0, 0, loc)
	back, err := toWireDateTime(original).toTime()
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if !back.Equal(original) {
		t.Fatalf("expected %v, got %v", original, back)
	}
	if back.Location().String() != "Europe/Berlin" {
		t.Fatalf("expected zone preserved, got %s", back.Location())
	}
}

func TestTokenSourceCachesUntilExpiry(t *testing.T) {
	exchanges := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form failed: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %q", r.PostForm.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "acc",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	now := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	source := NewRefreshTokenSource(TokenSourceOptions{
		TokenURL:     server.URL,
		ClientID:     "client",
		RefreshToken: "refresh",
		Clock:        func() time.Time { return now },
	})

	for i := 0; i < 3; i++ {
		token, err := source.Token(context.Background())
		if err != nil {
			t.Fatalf("token failed: %v", err)
		}
		if token != "acc" {
			t.Fatalf("unexpected token %q", token)
		}
	}
	if exchanges != 1 {
		t.Fatalf("expected one exchange, got %d", exchanges)
	}

	now = now.Add(time.Hour)
	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("token after expiry failed: %v", err)
	}
	if exchanges != 2 {
		t.Fatalf("expected a fresh exchange after expiry, got %d", exchanges)
	}
}

func TestTokenSourceWithoutRefreshToken(t *testing.T) {
	source := NewRefreshTokenSource(TokenSourceOptions{TokenURL: "http://127.0.0.1:1", ClientID: "c"})
	if _, err := source.Token(context.Background()); !errors.Is(err, calsync.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}
