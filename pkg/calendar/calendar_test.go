package calendar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mexicoCity(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	return loc
}

func TestSlotID(t *testing.T) {
	start := time.Date(2026, 10, 20, 16, 0, 0, 0, time.UTC)
	s := Slot{Start: start}
	assert.Equal(t, "slot_1792512000", s.ID())

	parsed, ok := ParseSlotID(s.ID())
	require.True(t, ok)
	assert.True(t, parsed.Equal(start))

	_, ok = ParseSlotID("slot_abc")
	assert.False(t, ok)
	_, ok = ParseSlotID("plan_pro")
	assert.False(t, ok)
}

func TestParseMoreSlotsID(t *testing.T) {
	off, ok := ParseMoreSlotsID("slots_more", 5)
	require.True(t, ok)
	assert.Equal(t, 5, off)

	off, ok = ParseMoreSlotsID(MoreSlotsIDFor(10), 5)
	require.True(t, ok)
	assert.Equal(t, 10, off)

	_, ok = ParseMoreSlotsID("slot_123", 5)
	assert.False(t, ok)
}

func TestGenerateSlots_BusinessHoursAndWeekends(t *testing.T) {
	loc := mexicoCity(t)
	a := Availability{Location: loc, DayStart: "09:00:00", DayEnd: "11:00:00", SlotMinutes: 60, MinNotice: time.Hour}

	// 周五 10:30，当天已无可用时段，下一个工作日是周一
	from := time.Date(2026, 10, 23, 10, 30, 0, 0, loc)
	slots, err := a.GenerateSlots(from, 0, 3, nil)
	require.NoError(t, err)
	require.Len(t, slots, 3)

	first := slots[0].Start.In(loc)
	assert.Equal(t, time.Monday, first.Weekday())
	assert.Equal(t, 9, first.Hour())
	assert.Equal(t, 10, slots[1].Start.In(loc).Hour())
	assert.Equal(t, time.Tuesday, slots[2].Start.In(loc).Weekday())
}

func TestGenerateSlots_OffsetAndBusy(t *testing.T) {
	loc := mexicoCity(t)
	a := Availability{Location: loc, DayStart: "09:00:00", DayEnd: "12:00:00", SlotMinutes: 60, MinNotice: time.Minute}
	from := time.Date(2026, 10, 19, 7, 0, 0, 0, loc) // Monday

	busy := []Interval{{
		Start: time.Date(2026, 10, 19, 10, 15, 0, 0, loc),
		End:   time.Date(2026, 10, 19, 10, 45, 0, 0, loc),
	}}
	all, err := a.GenerateSlots(from, 0, 4, busy)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, 9, all[0].Start.In(loc).Hour())
	assert.Equal(t, 11, all[1].Start.In(loc).Hour())

	page, err := a.GenerateSlots(from, 2, 2, busy)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].Start.Equal(all[2].Start))
	assert.True(t, page[1].Start.Equal(all[3].Start))
}

func TestHTTPClient_CreateEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/sales/events", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"evt_1","meeting_url":"https://meet.example.com/abc"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{APIBase: srv.URL, APIKey: "key", CalendarID: "sales", Timeout: time.Second})
	require.NoError(t, err)

	res, err := c.CreateEvent(context.Background(), EventRequest{
		Summary:       "Demo",
		Start:         time.Date(2026, 10, 20, 16, 0, 0, 0, time.UTC),
		AttendeeEmail: "ana@example.com",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "evt_1", res.EventID)
	assert.Equal(t, "https://meet.example.com/abc", res.MeetingURL)
	assert.Equal(t, "2026-10-20T16:30:00Z", got["end"])
}

func TestHTTPClient_CreateEventConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`slot taken`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{APIBase: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	res, err := c.CreateEvent(context.Background(), EventRequest{Start: time.Now().Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "slot taken", res.Error)
}

func TestHTTPClient_AvailableSlotsUsesBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/freebusy", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"busy":[{"start":"2026-10-19T15:00:00Z","end":"2026-10-19T16:00:00Z"}]}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{
		APIBase: srv.URL,
		Timeout: time.Second,
		Availability: Availability{
			Location: time.UTC, DayStart: "15:00:00", DayEnd: "17:00:00", SlotMinutes: 60, MinNotice: time.Minute,
		},
	})
	require.NoError(t, err)

	slots, err := c.AvailableSlots(context.Background(), time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC), 0, 1)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, 16, slots[0].Start.Hour())
}

func TestOfflineClient(t *testing.T) {
	c := OfflineClient{Availability: Availability{Location: time.UTC}}
	_, err := c.CreateEvent(context.Background(), EventRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	slots, err := c.AvailableSlots(context.Background(), time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), 0, 3)
	require.NoError(t, err)
	assert.Len(t, slots, 3)
}
