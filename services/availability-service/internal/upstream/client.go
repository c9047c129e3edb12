// Package upstream talks to the calendar providers. Clients are thin: they
// translate HTTP into model types and StatusErrors, and leave retries,
// limiting, and breaking to the engine.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
	"github.com/avdeluca/agentcal/services/availability-service/internal/resilience"
)

// Event is a provider-neutral appointment payload.
type Event struct {
	Subject       string
	Description   string
	Start         time.Time
	End           time.Time
	AttendeeName  string
	AttendeeEmail string
	Timezone      string
	Location      string
}

// CalendarAPI is what the engine needs from a provider. All times are UTC
// instants; zone handling stays in the engine.
type CalendarAPI interface {
	ListBusy(ctx context.Context, conn model.Connection, start, end time.Time) ([]model.BusyPeriod, error)
	CreateEvent(ctx context.Context, conn model.Connection, ev Event) (string, error)
	UpdateEvent(ctx context.Context, conn model.Connection, eventID string, ev Event) error
	DeleteEvent(ctx context.Context, conn model.Connection, eventID string) error
}

// Router dispatches on the connection's provider.
type Router struct {
	graph  CalendarAPI
	calcom CalendarAPI
}

func NewRouter(graph, calcom CalendarAPI) *Router {
	return &Router{graph: graph, calcom: calcom}
}

func (r *Router) forProvider(provider string) (CalendarAPI, error) {
	switch provider {
	case model.ProviderMicrosoft:
		if r.graph == nil {
			return nil, fmt.Errorf("microsoft provider not configured")
		}
		return r.graph, nil
	case model.ProviderCalCom:
		if r.calcom == nil {
			return nil, fmt.Errorf("calcom provider not configured")
		}
		return r.calcom, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (r *Router) ListBusy(ctx context.Context, conn model.Connection, start, end time.Time) ([]model.BusyPeriod, error) {
	api, err := r.forProvider(conn.Provider)
	if err != nil {
		return nil, err
	}
	return api.ListBusy(ctx, conn, start, end)
}

func (r *Router) CreateEvent(ctx context.Context, conn model.Connection, ev Event) (string, error) {
	api, err := r.forProvider(conn.Provider)
	if err != nil {
		return "", err
	}
	return api.CreateEvent(ctx, conn, ev)
}

func (r *Router) UpdateEvent(ctx context.Context, conn model.Connection, eventID string, ev Event) error {
	api, err := r.forProvider(conn.Provider)
	if err != nil {
		return err
	}
	return api.UpdateEvent(ctx, conn, eventID, ev)
}

func (r *Router) DeleteEvent(ctx context.Context, conn model.Connection, eventID string) error {
	api, err := r.forProvider(conn.Provider)
	if err != nil {
		return err
	}
	return api.DeleteEvent(ctx, conn, eventID)
}

// checkStatus drains a failed response into a StatusError so the classifier
// sees status, Retry-After, and a truncated body.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &resilience.StatusError{
		Op:         op,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       strings.TrimSpace(string(body)),
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
