package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/you/jobq/internal/api"
	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
	"github.com/you/jobq/internal/storage"
)

type archiveMock struct {
	mock.Mock
}

func (m *archiveMock) ListFailedJobs(ctx context.Context, queueID string, limit int) ([]storage.FailedJob, error) {
	args := m.Called(ctx, queueID, limit)
	jobs, _ := args.Get(0).([]storage.FailedJob)
	return jobs, args.Error(1)
}

type fixture struct {
	srv     *httptest.Server
	manager *queuemanager.Manager
	archive *archiveMock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg, err := queuemanager.NewRegistry("billing",
		queuemanager.QueueConfig{QueueID: "invoices", Grouping: []string{"finance"}},
		queuemanager.QueueConfig{QueueID: "emails"},
	)
	require.NoError(t, err)
	idx := queue.NewIndex(rdb, time.Hour)
	m := queuemanager.New(rdb, reg, queuemanager.Options{LazyInit: true, Index: idx})
	t.Cleanup(m.Dispose)

	archive := &archiveMock{}
	h := api.New(m, api.Options{Index: idx, Archive: archive})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, manager: m, archive: archive}
}

func (f fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func job(id string) map[string]any {
	return map[string]any{"metadata": map[string]string{"correlationId": "corr-" + id}}
}

func TestListQueues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.manager.Start(context.Background(), "invoices"))

	var body struct {
		Queues []struct {
			ID            string `json:"id"`
			DashboardName string `json:"dashboardName"`
		} `json:"queues"`
		Discovered []string `json:"discovered"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues", &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, "invoices", body.Queues[0].ID)
	assert.Equal(t, "billing.finance.invoices", body.Queues[0].DashboardName)
	assert.Equal(t, "emails", body.Queues[1].ID)
	assert.Equal(t, []string{"invoices"}, body.Discovered)
}

func TestCountAndListJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.manager.ScheduleBulk(ctx, "invoices", []any{job("1"), job("2"), job("3")}, domain.JobOptions{})
	require.NoError(t, err)

	var count struct {
		Count int64 `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues/invoices/count", &count))
	assert.Equal(t, int64(3), count.Count)

	var page struct {
		Jobs []struct {
			ID       string `json:"id"`
			Attempts int    `json:"attempts"`
		} `json:"jobs"`
		HasMore bool `json:"hasMore"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues/invoices/jobs?state=waiting&start=0&end=1&asc=true", &page))
	assert.Len(t, page.Jobs, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 1, page.Jobs[0].Attempts)

	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues/invoices/jobs", &page))
	assert.Len(t, page.Jobs, 3)
	assert.False(t, page.HasMore)
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.manager.Schedule(ctx, "emails", job("x"), domain.JobOptions{})
	require.NoError(t, err)
	q, err := f.manager.GetQueue(ctx, "emails")
	require.NoError(t, err)
	loaded, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.NoError(t, loaded.Log(ctx, "queued by test"))

	var body struct {
		ID    string          `json:"id"`
		State string          `json:"state"`
		Data  json.RawMessage `json:"data"`
		Logs  []string        `json:"logs"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues/emails/jobs/"+id, &body))
	assert.Equal(t, id, body.ID)
	assert.Equal(t, "waiting", body.State)
	assert.JSONEq(t, `{"metadata":{"correlationId":"corr-x"}}`, string(body.Data))
	assert.Equal(t, []string{"queued by test"}, body.Logs)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/queues/emails/jobs/missing", nil))
}

func TestErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown queue count", "/v1/queues/nope/count", http.StatusNotFound},
		{"unknown queue jobs", "/v1/queues/nope/jobs", http.StatusNotFound},
		{"unknown state", "/v1/queues/invoices/jobs?state=bogus", http.StatusBadRequest},
		{"inverted range", "/v1/queues/invoices/jobs?start=5&end=1", http.StatusBadRequest},
		{"negative start", "/v1/queues/invoices/jobs?start=-1", http.StatusBadRequest},
		{"non numeric end", "/v1/queues/invoices/jobs?end=ten", http.StatusBadRequest},
		{"unknown queue archive", "/v1/queues/nope/archive", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body struct {
				Error string `json:"error"`
			}
			assert.Equal(t, tt.status, f.get(t, tt.path, &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestListArchive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.archive.On("ListFailedJobs", mock.Anything, "invoices", 5).
		Return([]storage.FailedJob{{QueueID: "invoices", JobID: "j1", FailedReason: "boom"}}, nil).Once()
	f.archive.On("ListFailedJobs", mock.Anything, "emails", 50).Return(nil, nil).Once()

	var body struct {
		Jobs []storage.FailedJob `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues/invoices/archive?limit=5", &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "boom", body.Jobs[0].FailedReason)

	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues/emails/archive", &body))
	assert.Empty(t, body.Jobs)
	f.archive.AssertExpectations(t)
}

func TestListJobs_CapsWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	payloads := make([]any, 1005)
	for i := range payloads {
		payloads[i] = job(strconv.Itoa(i))
	}
	_, err := f.manager.ScheduleBulk(ctx, "invoices", payloads, domain.JobOptions{})
	require.NoError(t, err)

	var page struct {
		Jobs    []json.RawMessage `json:"jobs"`
		HasMore bool              `json:"hasMore"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/queues/invoices/jobs?state=waiting&end=100000000", &page))
	assert.Len(t, page.Jobs, 1000)
	assert.True(t, page.HasMore)
}
