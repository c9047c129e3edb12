package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
)

const graphDefaultBaseURL = "https://graph.microsoft.com/v1.0"

// GraphConfig holds the app-only credentials for a Microsoft tenant.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string // overridable for tests
}

// GraphClient books against Microsoft 365 mailboxes via the Graph API using
// the client-credentials flow. Connection.CalendarID is the mailbox address.
type GraphClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewGraphClient acquires app-only tokens lazily through the oauth2
// transport; base supplies the underlying transport (tracing, timeouts).
func NewGraphClient(ctx context.Context, cfg GraphConfig, base *http.Client) *GraphClient {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = graphDefaultBaseURL
	}
	return &GraphClient{httpClient: cc.Client(ctx), baseURL: baseURL}
}

// newGraphClientForTest skips the token flow entirely.
func newGraphClientForTest(baseURL string, hc *http.Client) *GraphClient {
	return &GraphClient{httpClient: hc, baseURL: baseURL}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID     string        `json:"id,omitempty"`
	Start  graphDateTime `json:"start"`
	End    graphDateTime `json:"end"`
	ShowAs string        `json:"showAs,omitempty"`
}

const graphTimeLayout = "2006-01-02T15:04:05"

func (dt graphDateTime) instant() (time.Time, error) {
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		l, err := time.LoadLocation(dt.TimeZone)
		if err != nil {
			return time.Time{}, fmt.Errorf("graph timezone %q: %w", dt.TimeZone, err)
		}
		loc = l
	}
	s := dt.DateTime
	if len(s) > len(graphTimeLayout) {
		s = s[:len(graphTimeLayout)] // drop Graph's 7-digit fraction
	}
	t, err := time.ParseInLocation(graphTimeLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("graph datetime %q: %w", dt.DateTime, err)
	}
	return t.UTC(), nil
}

// ListBusy reads the mailbox's calendarView for the window and returns every
// event not marked free. The Prefer header pins response times to UTC.
func (g *GraphClient) ListBusy(ctx context.Context, conn model.Connection, start, end time.Time) ([]model.BusyPeriod, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$select", "id,start,end,showAs")
	q.Set("$top", "100")

	u := fmt.Sprintf("%s/users/%s/calendarView?%s", g.baseURL, url.PathEscape(conn.CalendarID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph list busy: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus("graph list busy", resp); err != nil {
		return nil, err
	}

	var out struct {
		Value []graphEvent `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("graph list busy: decode: %w", err)
	}

	periods := make([]model.BusyPeriod, 0, len(out.Value))
	for _, ev := range out.Value {
		if ev.ShowAs == "free" {
			continue
		}
		s, err := ev.Start.instant()
		if err != nil {
			return nil, err
		}
		e, err := ev.End.instant()
		if err != nil {
			return nil, err
		}
		periods = append(periods, model.BusyPeriod{ID: ev.ID, Start: s, End: e})
	}
	return periods, nil
}

// graphEventBody emits only the fields set on ev. PATCH updates reuse it, so
// an unset subject or description must stay out of the payload or a
// reschedule would blank them on the existing event.
func graphEventBody(ev Event) map[string]any {
	body := map[string]any{
		"start": graphDateTime{DateTime: ev.Start.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		"end":   graphDateTime{DateTime: ev.End.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
	}
	if ev.Subject != "" {
		body["subject"] = ev.Subject
	}
	if ev.Description != "" {
		body["body"] = map[string]any{
			"contentType": "text",
			"content":     ev.Description,
		}
	}
	if ev.Location != "" {
		body["location"] = map[string]any{"displayName": ev.Location}
	}
	if ev.AttendeeEmail != "" {
		body["attendees"] = []map[string]any{{
			"emailAddress": map[string]any{"address": ev.AttendeeEmail, "name": ev.AttendeeName},
			"type":         "required",
		}}
	}
	return body
}

func (g *GraphClient) CreateEvent(ctx context.Context, conn model.Connection, ev Event) (string, error) {
	payload, err := json.Marshal(graphEventBody(ev))
	if err != nil {
		return "", err
	}
	u := fmt.Sprintf("%s/users/%s/events", g.baseURL, url.PathEscape(conn.CalendarID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph create event: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus("graph create event", resp); err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("graph create event: decode: %w", err)
	}
	return created.ID, nil
}

func (g *GraphClient) UpdateEvent(ctx context.Context, conn model.Connection, eventID string, ev Event) error {
	payload, err := json.Marshal(graphEventBody(ev))
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/users/%s/events/%s", g.baseURL, url.PathEscape(conn.CalendarID), url.PathEscape(eventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph update event: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus("graph update event", resp)
}

func (g *GraphClient) DeleteEvent(ctx context.Context, conn model.Connection, eventID string) error {
	u := fmt.Sprintf("%s/users/%s/events/%s", g.baseURL, url.PathEscape(conn.CalendarID), url.PathEscape(eventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph delete event: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus("graph delete event", resp)
}
