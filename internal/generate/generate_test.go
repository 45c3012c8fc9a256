package generate

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/vvaswani/sugar/internal/analysis"
	"github.com/vvaswani/sugar/internal/objstore"
	"github.com/vvaswani/sugar/internal/queue"
	"github.com/vvaswani/sugar/internal/render"
	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/internal/store"
	"github.com/vvaswani/sugar/pkg/logx"
)

type fakeRenderer struct {
	calls int
	last  render.Input
	fail  error
}

func (f *fakeRenderer) Render(_ context.Context, in render.Input) ([]byte, error) {
	f.calls++
	f.last = in
	if f.fail != nil {
		return nil, f.fail
	}
	return []byte("%PDF-fake"), nil
}

type fakeSummarizer struct {
	calls int
	text  string
	fail  error
}

func (f *fakeSummarizer) Summarize(context.Context, []store.Reading) (string, error) {
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	return f.text, nil
}

type failingObjstore struct{}

func (failingObjstore) Put(context.Context, string, []byte, string) error {
	return errors.New("bucket offline")
}
func (failingObjstore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, objstore.ErrNotFound
}
func (failingObjstore) Close() error { return nil }

func newFixture(t *testing.T) (*store.Store, objstore.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	obj, err := objstore.Open(objstore.Config{Driver: "fs", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open objstore: %v", err)
	}
	t.Cleanup(func() { obj.Close() })
	return st, obj
}

func seedUser(t *testing.T, st *store.Store, tz string) int64 {
	t.Helper()
	id, err := st.CreateUser(context.Background(), store.User{Email: "a@example.com", Name: "Asha", Timezone: tz})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func seedReadings(t *testing.T, st *store.Store, userID int64, start time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.InsertReading(context.Background(), store.Reading{
			UserID:    userID,
			Value:     90 + float64(i)*10,
			Type:      store.ReadingFasting,
			CreatedAt: start.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("insert reading: %v", err)
		}
	}
}

func dailyTask(userID int64) report.Task {
	start := time.Date(2024, 3, 13, 18, 30, 0, 0, time.UTC)
	return report.Task{
		UserID:    userID,
		Cadence:   report.CadenceDaily,
		StartUTC:  start,
		EndUTC:    start.Add(24 * time.Hour),
		LocalDate: "2024-03-14",
	}
}

func TestProcessDaily(t *testing.T) {
	st, obj := newFixture(t)
	uid := seedUser(t, st, "Asia/Kolkata")
	task := dailyTask(uid)
	seedReadings(t, st, uid, task.StartUTC, 2)

	rend := &fakeRenderer{}
	sum := &fakeSummarizer{text: "unused"}
	g := New(st, obj, rend, sum, logx.Nop())

	if err := g.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.calls != 0 {
		t.Fatal("daily report should not request analysis")
	}
	if rend.last.Average != 95 {
		t.Fatalf("average = %v, want 95", rend.last.Average)
	}

	rec, err := st.FindReport(context.Background(), uid, report.CadenceDaily, task.LocalDate)
	if err != nil {
		t.Fatalf("FindReport: %v", err)
	}
	want := "report_user" + strconv.FormatInt(uid, 10) + "_20240314.pdf"
	if rec.Filename != want {
		t.Fatalf("filename = %q, want %q", rec.Filename, want)
	}

	rc, err := obj.Get(context.Background(), ObjectKey(rec.Filename))
	if err != nil {
		t.Fatalf("Get object: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "%PDF-fake" {
		t.Fatalf("object bytes = %q", data)
	}
}

func TestProcessDuplicateTask(t *testing.T) {
	st, obj := newFixture(t)
	uid := seedUser(t, st, "UTC")
	task := report.Task{
		UserID:    uid,
		Cadence:   report.CadenceDaily,
		StartUTC:  time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC),
		EndUTC:    time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		LocalDate: "2024-03-14",
	}
	seedReadings(t, st, uid, task.StartUTC, 1)

	rend := &fakeRenderer{}
	g := New(st, obj, rend, nil, logx.Nop())

	if err := g.Process(context.Background(), task); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := g.Process(context.Background(), task); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if rend.calls != 1 {
		t.Fatalf("renderer called %d times, want 1", rend.calls)
	}
	recs, err := st.ListReports(context.Background(), uid)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d report records, want 1", len(recs))
	}
}

func TestProcessNoReadings(t *testing.T) {
	st, obj := newFixture(t)
	uid := seedUser(t, st, "UTC")
	task := dailyTask(uid)

	rend := &fakeRenderer{}
	g := New(st, obj, rend, nil, logx.Nop())

	if err := g.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rend.calls != 0 {
		t.Fatal("renderer should not run without readings")
	}
	if _, err := st.FindReport(context.Background(), uid, task.Cadence, task.LocalDate); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no record, got err=%v", err)
	}
}

func TestProcessMissingUser(t *testing.T) {
	st, obj := newFixture(t)
	g := New(st, obj, &fakeRenderer{}, nil, logx.Nop())

	err := g.Process(context.Background(), dailyTask(4242))
	if err == nil || !queue.IsNoRetry(err) {
		t.Fatalf("expected no-retry error, got %v", err)
	}
}

func TestProcessWeeklyAnalysis(t *testing.T) {
	st, obj := newFixture(t)
	uid := seedUser(t, st, "UTC")
	start := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	task := report.Task{
		UserID:    uid,
		Cadence:   report.CadenceWeekly,
		StartUTC:  start,
		EndUTC:    start.AddDate(0, 0, 7),
		LocalDate: "2024-04-29",
	}
	seedReadings(t, st, uid, start, 3)

	rend := &fakeRenderer{}
	sum := &fakeSummarizer{text: "Trending down."}
	g := New(st, obj, rend, sum, logx.Nop())

	if err := g.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.calls)
	}
	if rend.last.Analysis != "Trending down." {
		t.Fatalf("analysis = %q", rend.last.Analysis)
	}

	rec, err := st.FindReport(context.Background(), uid, report.CadenceWeekly, task.LocalDate)
	if err != nil {
		t.Fatalf("FindReport: %v", err)
	}
	wantSuffix := "_20240429_to_20240505.pdf"
	if len(rec.Filename) < len(wantSuffix) || rec.Filename[len(rec.Filename)-len(wantSuffix):] != wantSuffix {
		t.Fatalf("filename = %q, want suffix %q", rec.Filename, wantSuffix)
	}
}

func TestProcessAnalysisFailureUsesPlaceholder(t *testing.T) {
	st, obj := newFixture(t)
	uid := seedUser(t, st, "UTC")
	start := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	task := report.Task{
		UserID:    uid,
		Cadence:   report.CadenceWeekly,
		StartUTC:  start,
		EndUTC:    start.AddDate(0, 0, 7),
		LocalDate: "2024-04-29",
	}
	seedReadings(t, st, uid, start, 1)

	rend := &fakeRenderer{}
	g := New(st, obj, rend, &fakeSummarizer{fail: errors.New("model offline")}, logx.Nop())

	if err := g.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rend.last.Analysis != analysis.Placeholder {
		t.Fatalf("analysis = %q, want placeholder", rend.last.Analysis)
	}
}

func TestProcessRenderFailure(t *testing.T) {
	st, obj := newFixture(t)
	uid := seedUser(t, st, "UTC")
	task := dailyTask(uid)
	seedReadings(t, st, uid, task.StartUTC, 1)

	g := New(st, obj, &fakeRenderer{fail: errors.New("font missing")}, nil, logx.Nop())
	err := g.Process(context.Background(), task)
	if err == nil {
		t.Fatal("expected error")
	}
	if queue.IsNoRetry(err) {
		t.Fatal("render failures should be retried")
	}
}

func TestProcessStorageFailureLeavesNoRecord(t *testing.T) {
	st, _ := newFixture(t)
	uid := seedUser(t, st, "UTC")
	task := dailyTask(uid)
	seedReadings(t, st, uid, task.StartUTC, 1)

	g := New(st, failingObjstore{}, &fakeRenderer{}, nil, logx.Nop())
	if err := g.Process(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}
	if _, err := st.FindReport(context.Background(), uid, task.Cadence, task.LocalDate); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record should not exist after upload failure, err=%v", err)
	}
}

func TestHandleReportTaskBadPayload(t *testing.T) {
	st, obj := newFixture(t)
	g := New(st, obj, &fakeRenderer{}, nil, logx.Nop())

	err := g.HandleReportTask(context.Background(), store.Message{Payload: []byte("{not json")})
	if err == nil || !queue.IsNoRetry(err) {
		t.Fatalf("expected no-retry error, got %v", err)
	}

	err = g.HandleReportTask(context.Background(), store.Message{Payload: []byte(`{"cadence":"hourly"}`)})
	if err == nil || !queue.IsNoRetry(err) {
		t.Fatalf("expected no-retry error for bad cadence, got %v", err)
	}
}

func TestFilename(t *testing.T) {
	daily, err := Filename(report.Task{UserID: 7, Cadence: report.CadenceDaily, LocalDate: "2024-03-14"})
	if err != nil {
		t.Fatal(err)
	}
	if daily != "report_user7_20240314.pdf" {
		t.Fatalf("daily = %q", daily)
	}

	weekly, err := Filename(report.Task{UserID: 7, Cadence: report.CadenceWeekly, LocalDate: "2024-04-29"})
	if err != nil {
		t.Fatal(err)
	}
	if weekly != "report_user7_20240429_to_20240505.pdf" {
		t.Fatalf("weekly = %q", weekly)
	}

	if _, err := Filename(report.Task{LocalDate: "14-03-2024"}); err == nil {
		t.Fatal("expected error for malformed date")
	}
}
