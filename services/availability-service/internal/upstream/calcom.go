package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
)

const (
	calcomDefaultBaseURL = "https://api.cal.com/v2"
	calcomAPIVersion     = "2024-08-13"
)

// CalComClient books through the Cal.com v2 API. Connection.CalendarID is
// the numeric event-type id as a string.
type CalComClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewCalComClient(apiKey string, hc *http.Client) *CalComClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &CalComClient{httpClient: hc, baseURL: calcomDefaultBaseURL, apiKey: apiKey}
}

func (c *CalComClient) do(ctx context.Context, op, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("cal-api-version", calcomAPIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

type calcomBooking struct {
	UID    string    `json:"uid"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
}

// ListBusy lists upcoming bookings for the event type inside the window.
// Cancelled bookings don't block the slot.
func (c *CalComClient) ListBusy(ctx context.Context, conn model.Connection, start, end time.Time) ([]model.BusyPeriod, error) {
	q := url.Values{}
	q.Set("eventTypeId", conn.CalendarID)
	q.Set("afterStart", start.UTC().Format(time.RFC3339))
	q.Set("beforeEnd", end.UTC().Format(time.RFC3339))

	var out struct {
		Data []calcomBooking `json:"data"`
	}
	if err := c.do(ctx, "calcom list bookings", http.MethodGet, "/bookings?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	periods := make([]model.BusyPeriod, 0, len(out.Data))
	for _, b := range out.Data {
		if b.Status == "cancelled" {
			continue
		}
		periods = append(periods, model.BusyPeriod{ID: b.UID, Start: b.Start.UTC(), End: b.End.UTC()})
	}
	return periods, nil
}

func (c *CalComClient) CreateEvent(ctx context.Context, conn model.Connection, ev Event) (string, error) {
	eventTypeID, err := strconv.Atoi(conn.CalendarID)
	if err != nil {
		return "", fmt.Errorf("calcom event type id %q: %w", conn.CalendarID, err)
	}
	body := map[string]any{
		"eventTypeId": eventTypeID,
		"start":       ev.Start.UTC().Format(time.RFC3339),
		"attendee": map[string]any{
			"name":     ev.AttendeeName,
			"email":    ev.AttendeeEmail,
			"timeZone": ev.Timezone,
		},
	}
	if ev.Description != "" {
		body["bookingFieldsResponses"] = map[string]any{"notes": ev.Description}
	}

	var out struct {
		Data calcomBooking `json:"data"`
	}
	if err := c.do(ctx, "calcom create booking", http.MethodPost, "/bookings", body, &out); err != nil {
		return "", err
	}
	return out.Data.UID, nil
}

// UpdateEvent reschedules; Cal.com has no in-place edit for bookings.
func (c *CalComClient) UpdateEvent(ctx context.Context, conn model.Connection, eventID string, ev Event) error {
	body := map[string]any{
		"start": ev.Start.UTC().Format(time.RFC3339),
	}
	return c.do(ctx, "calcom reschedule booking", http.MethodPost,
		"/bookings/"+url.PathEscape(eventID)+"/reschedule", body, nil)
}

func (c *CalComClient) DeleteEvent(ctx context.Context, conn model.Connection, eventID string) error {
	return c.do(ctx, "calcom cancel booking", http.MethodPost,
		"/bookings/"+url.PathEscape(eventID)+"/cancel", map[string]any{"cancellationReason": "cancelled by agent"}, nil)
}
