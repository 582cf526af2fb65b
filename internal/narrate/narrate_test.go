package narrate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/catwalk/internal/jobs"
	"github.com/suPer8Hu/catwalk/internal/script"
	"github.com/suPer8Hu/catwalk/internal/store/objectstore"
	"github.com/suPer8Hu/catwalk/internal/tts"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeSource map[string][]script.Unit

func (f fakeSource) Fetch(ctx context.Context, target string) ([]script.Unit, error) {
	units, ok := f[target]
	if !ok {
		return nil, errors.New("not found")
	}
	return units, nil
}

type fakeSynth struct {
	fail map[string]bool
}

func (f fakeSynth) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if f.fail[req.Text] {
		return nil, fmt.Errorf("cannot say %q", req.Text)
	}
	return []byte("RIFF"), nil
}

var wholeText = script.SplitterFunc(func(text string) []string { return []string{text} })

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := jobs.Migrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newScheduler(t *testing.T, synth tts.Synthesizer) *jobs.Scheduler {
	t.Helper()
	src := fakeSource{
		"doc-1":   {script.Text("Hello."), script.Silence(0.5), script.Text("World.")},
		"empty":   {script.Silence(1)},
		"chopped": {script.Text("  Hello "), script.Text(" there. "), script.Silence(0.2), script.Silence(0.34)},
	}
	store, err := objectstore.NewLocal(t.TempDir(), "/static")
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	d := jobs.NewDispatcher()
	Register(d, NewExecutor(src, wholeText))
	tts.Register(d, tts.NewExecutor(synth, store, nil, ""))
	return jobs.NewScheduler(jobs.NewRepo(openTestDB(t)), d, nil)
}

func create(t *testing.T, s *jobs.Scheduler, input string) *jobs.Job {
	t.Helper()
	job, err := s.Service.Create(context.Background(), jobs.CreateRequest{Type: jobs.TypeNarrate, Input: []byte(input)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func TestNarrate_FansOutOneTTSJobPerTextUnit(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t, fakeSynth{})
	root := create(t, s, `{"url":"doc-1","voice":"v1","k":2}`)

	id, _ := s.Queue.TryPull()
	if err := s.Worker.Process(ctx, id); err != nil {
		t.Fatalf("process: %v", err)
	}

	parent, _ := s.Store.Get(ctx, root.ID)
	if parent.Status != jobs.StatusWaiting {
		t.Fatalf("expected waiting parent, got %s", parent.Status)
	}
	var out Output
	if err := parent.DecodeOutput(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !slices.Equal(script.TextUnits(out.Script), []string{"Hello.", "World."}) || len(out.Script) != 3 {
		t.Fatalf("unexpected script %+v", out.Script)
	}

	kids, _ := s.Store.ChildrenOf(ctx, root.ID)
	if len(kids) != 2 {
		t.Fatalf("expected 2 children, got %d", len(kids))
	}
	for i, want := range []string{"Hello.", "World."} {
		in, err := jobs.DecodeInput[tts.Input](kids[i].Input)
		if err != nil {
			t.Fatalf("child input: %v", err)
		}
		if kids[i].Type != jobs.TypeTTS || in.Text != want || in.Voice != "v1" || in.K != 2 {
			t.Fatalf("child %d: type=%s input=%+v", i, kids[i].Type, in)
		}
	}
}

func TestNarrate_ParentAssemblesPlaylist(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t, fakeSynth{fail: map[string]bool{"Hello.": true}})
	root := create(t, s, `{"url":"doc-1"}`)
	if _, err := s.Worker.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	parent, _ := s.Store.Get(ctx, root.ID)
	if parent.Status != jobs.StatusComplete {
		t.Fatalf("expected complete parent, got %s", parent.Status)
	}
	var out Output
	if err := parent.DecodeOutput(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Failed == nil || *out.Failed != 1 || len(out.Playlist) != 3 {
		t.Fatalf("unexpected assembly: failed=%v playlist=%+v", out.Failed, out.Playlist)
	}
	if out.Playlist[0].Error == "" || !strings.Contains(out.Playlist[0].Error, "cannot say") {
		t.Fatalf("expected first entry to carry the error, got %+v", out.Playlist[0])
	}
	if out.Playlist[1].Silence != 0.5 {
		t.Fatalf("expected silence entry, got %+v", out.Playlist[1])
	}
	if len(out.Playlist[2].Files) != 1 || !strings.HasPrefix(out.Playlist[2].Files[0], "/static/tts-") {
		t.Fatalf("expected audio for second entry, got %+v", out.Playlist[2])
	}
	if len(out.RawScript) != 3 {
		t.Fatalf("raw script should survive assembly, got %d units", len(out.RawScript))
	}
}

func TestNarrate_NoTextCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t, fakeSynth{})
	root := create(t, s, `{"url":"empty"}`)
	if _, err := s.Worker.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, _ := s.Store.Get(ctx, root.ID)
	if got.Status != jobs.StatusComplete {
		t.Fatalf("expected complete, got %s", got.Status)
	}
	var out Output
	_ = got.DecodeOutput(&out)
	if len(out.Script) != 0 {
		t.Fatalf("expected empty script, got %+v", out.Script)
	}
}

func TestNarrate_NormalizesBeforeFanOut(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t, fakeSynth{})
	root := create(t, s, `{"url":"chopped"}`)
	id, _ := s.Queue.TryPull()
	if err := s.Worker.Process(ctx, id); err != nil {
		t.Fatalf("process: %v", err)
	}
	parent, _ := s.Store.Get(ctx, root.ID)
	var out Output
	_ = parent.DecodeOutput(&out)
	if len(out.Script) != 1 || out.Script[0].Text != "Hello there." {
		t.Fatalf("unexpected script %+v", out.Script)
	}
}

func TestNarrate_FetchFailureErrors(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t, fakeSynth{})
	root := create(t, s, `{"url":"missing"}`)
	if _, err := s.Worker.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, _ := s.Store.Get(ctx, root.ID)
	if got.Status != jobs.StatusErrored {
		t.Fatalf("expected errored, got %s", got.Status)
	}
	if _, err := s.Service.Create(ctx, jobs.CreateRequest{Type: jobs.TypeNarrate, Input: []byte(`{}`)}); !errors.Is(err, jobs.ErrInvalidInput) {
		t.Fatalf("expected missing url rejected, got %v", err)
	}
}
