package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nexus-pipeline/pkg/clock"
	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/taskname"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueued struct {
	task      *asynq.Task
	processIn time.Duration
	taskID    string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := enqueued{task: t}
	for _, o := range opts {
		switch o.Type() {
		case asynq.ProcessInOpt:
			e.processIn = o.Value().(time.Duration)
		case asynq.TaskIDOpt:
			e.taskID = o.Value().(string)
		}
	}
	f.tasks = append(f.tasks, e)
	return &asynq.TaskInfo{ID: e.taskID}, nil
}

func (f *fakeEnqueuer) last() enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[len(f.tasks)-1]
}

type staticEndpoints struct {
	url, secret string
}

func (s staticEndpoints) Endpoint(context.Context, string) (string, string, error) {
	return s.url, s.secret, nil
}

func newTestService(t *testing.T, endpoints Endpoints) (*Service, *fakeEnqueuer, *clock.FakeClock) {
	t.Helper()
	db := testutil.NewTestDB(t, &Delivery{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Webhook.Timeout = 2 * time.Second
	cfg.Webhook.Delays = []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}
	cfg.Webhook.MaxAttempts = 3

	enq := &fakeEnqueuer{}
	fc := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Enqueuer:  enq,
		Endpoints: endpoints,
		Clock:     fc,
	})
	return svc, enq, fc
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"job_id":"1","status":"COMPLETED"}`)
	sig := Sign("secret", body)

	require.Len(t, sig, 64)
	require.True(t, Verify("secret", body, sig))
	require.False(t, Verify("other", body, sig))
	require.False(t, Verify("secret", body, "zz"))
}

func TestDeliverSuccessSendsSignedRequest(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotJob  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotJob = r.Header.Get(HeaderJobID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc, enq, _ := newTestService(t, staticEndpoints{url: srv.URL, secret: "s3cret"})
	ctx := context.Background()

	d, err := svc.Dispatch(ctx, DispatchRequest{
		OrganisationID: "org-1",
		JobID:          "job-1",
		URL:            srv.URL,
		Secret:         "s3cret",
		Payload:        Notification{JobID: "job-1", Status: "COMPLETED", Result: json.RawMessage(`{"summary":"ok"}`)},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, d.Status)
	require.Zero(t, d.Attempts)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, taskname.WebhookDeliver, enq.last().task.Type())
	require.Zero(t, enq.last().processIn)

	require.NoError(t, svc.Deliver(ctx, d.ID))

	require.Equal(t, "job-1", gotJob)
	require.True(t, Verify("s3cret", gotBody, gotSig))
	require.JSONEq(t, `{"job_id":"job-1","status":"COMPLETED","result":{"summary":"ok"}}`, string(gotBody))

	list, err := svc.List(ctx, "org-1", "job-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, StatusDelivered, list[0].Status)
	require.Equal(t, 1, list[0].Attempts)
	require.Equal(t, http.StatusNoContent, *list[0].ResponseCode)

	// Redelivery of a finished delivery does nothing.
	require.NoError(t, svc.Deliver(ctx, d.ID))
	list, err = svc.List(ctx, "org-1", "job-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, list[0].Attempts)
}

func TestDeliverAlways500FailsAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc, enq, fc := newTestService(t, staticEndpoints{url: srv.URL})
	ctx := context.Background()

	d, err := svc.Dispatch(ctx, DispatchRequest{OrganisationID: "org-1", JobID: "job-1", URL: srv.URL, Payload: map[string]string{"job_id": "job-1"}})
	require.NoError(t, err)

	require.NoError(t, svc.Deliver(ctx, d.ID))
	require.Len(t, enq.tasks, 2)
	require.Equal(t, 5*time.Second, enq.last().processIn)

	list, err := svc.List(ctx, "org-1", "", 0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, list[0].Status)
	require.Equal(t, "HTTP 500", *list[0].Error)
	require.True(t, list[0].NextRetryAt.Equal(fc.Now().Add(5*time.Second)))

	fc.Advance(5 * time.Second)
	require.NoError(t, svc.Deliver(ctx, d.ID))
	require.Len(t, enq.tasks, 3)
	require.Equal(t, 25*time.Second, enq.last().processIn)

	fc.Advance(25 * time.Second)
	require.NoError(t, svc.Deliver(ctx, d.ID))
	require.Len(t, enq.tasks, 3)

	list, err = svc.List(ctx, "org-1", "", 0)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, list[0].Status)
	require.Equal(t, 3, list[0].Attempts)
	require.Equal(t, http.StatusInternalServerError, *list[0].ResponseCode)
	require.Nil(t, list[0].NextRetryAt)

	require.NoError(t, svc.Deliver(ctx, d.ID))
	require.Equal(t, int32(3), hits.Load())
}

func TestDeliverNetworkErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	svc, enq, _ := newTestService(t, staticEndpoints{url: url})
	ctx := context.Background()

	d, err := svc.Dispatch(ctx, DispatchRequest{OrganisationID: "org-1", JobID: "job-1", URL: url, Payload: map[string]string{}})
	require.NoError(t, err)
	require.NoError(t, svc.Deliver(ctx, d.ID))

	list, err := svc.List(ctx, "org-1", "", 0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, list[0].Status)
	require.Nil(t, list[0].ResponseCode)
	require.NotNil(t, list[0].Error)
	require.Equal(t, 5*time.Second, enq.last().processIn)
}

func TestNotifyJobSkipsWithoutEndpoint(t *testing.T) {
	svc, enq, _ := newTestService(t, staticEndpoints{})

	msg := "boom"
	err := svc.NotifyJob(context.Background(), &job.Job{ID: "job-1", OrganisationID: "org-1", Status: job.StatusFailed, Error: &msg})
	require.NoError(t, err)
	require.Empty(t, enq.tasks)
}

func TestNotifyJobPayload(t *testing.T) {
	svc, _, _ := newTestService(t, staticEndpoints{url: "https://example.com/hook", secret: "k"})
	ctx := context.Background()

	msg := "boom"
	require.NoError(t, svc.NotifyJob(ctx, &job.Job{ID: "job-1", OrganisationID: "org-1", Status: job.StatusFailed, Error: &msg}))
	require.NoError(t, svc.NotifyJob(ctx, &job.Job{ID: "job-2", OrganisationID: "org-1", Status: job.StatusCompleted, Output: datatypes.JSON(`{"summary":"s"}`)}))
	require.NoError(t, svc.NotifyJob(ctx, &job.Job{ID: "job-3", OrganisationID: "org-1", Status: job.StatusRunning}))

	failed, err := svc.List(ctx, "org-1", "job-1", 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.JSONEq(t, `{"job_id":"job-1","status":"FAILED","error":"boom"}`, failed[0].Payload)
	require.Equal(t, Sign("k", []byte(failed[0].Payload)), failed[0].Signature)

	done, err := svc.List(ctx, "org-1", "job-2", 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"job_id":"job-2","status":"COMPLETED","result":{"summary":"s"}}`, done[0].Payload)

	none, err := svc.List(ctx, "org-1", "job-3", 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRequeueDueRecoversLostEnqueue(t *testing.T) {
	svc, enq, fc := newTestService(t, staticEndpoints{url: "https://example.com"})
	ctx := context.Background()

	enq.err = errors.New("redis down")
	d, err := svc.Dispatch(ctx, DispatchRequest{OrganisationID: "org-1", JobID: "job-1", URL: "https://example.com", Payload: map[string]string{}})
	require.NoError(t, err)
	enq.err = nil

	n, err := svc.RequeueDue(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	fc.Advance(2 * time.Minute)
	n, err = svc.RequeueDue(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, deliverTaskID(d.ID, 1), enq.last().taskID)
}

func TestHandleDeliverTaskIgnoresMissingDelivery(t *testing.T) {
	svc, _, _ := newTestService(t, staticEndpoints{})

	require.NoError(t, svc.HandleDeliverTask(context.Background(), NewDeliverTask("missing")))
	require.Error(t, svc.HandleDeliverTask(context.Background(), asynq.NewTask(taskname.WebhookDeliver, []byte("{"))))
}
