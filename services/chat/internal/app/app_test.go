package app

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"companionchat/internal/retry"
	"companionchat/pkg/ai"
	"companionchat/pkg/domain"
	"companionchat/pkg/storage"
	"companionchat/pkg/store"
	"companionchat/pkg/transcript"
)

type stubCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	delay   time.Duration
	prompts []string
	params  []ai.SamplingParams
}

func (c *stubCompleter) Complete(ctx context.Context, prompt string, params ai.SamplingParams) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.params = append(c.params, params)
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.delay):
		}
	}
	return c.reply, c.err
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []domain.AppendJob
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job domain.AppendJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return true
}

// flakyObjects fails Put or Get for selected keys.
type flakyObjects struct {
	*storage.MemoryStore
	failPut map[string]bool
	failGet map[string]bool
}

func (f *flakyObjects) Put(ctx context.Context, key string, r io.Reader, size int64, ct string) error {
	if f.failPut[key] {
		return errors.New("s3: service unavailable")
	}
	return f.MemoryStore.Put(ctx, key, r, size, ct)
}

func (f *flakyObjects) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet[key] {
		return nil, errors.New("s3: access denied")
	}
	return f.MemoryStore.Get(ctx, key)
}

type fixture struct {
	app         *App
	users       *store.MemoryDirectory
	objects     *flakyObjects
	transcripts *transcript.Store
	completer   *stubCompleter
	dispatcher  *recordingDispatcher
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		users:      store.NewMemoryDirectory(),
		objects:    &flakyObjects{MemoryStore: storage.NewMemoryStore(), failPut: map[string]bool{}, failGet: map[string]bool{}},
		completer:  &stubCompleter{reply: "X Hello"},
		dispatcher: &recordingDispatcher{},
	}
	f.transcripts = transcript.NewStore(f.objects)
	cfg := Config{
		Directory:        f.users,
		Transcripts:      f.transcripts,
		Completer:        f.completer,
		Dispatcher:       f.dispatcher,
		StripLeadingChar: true,
		InferenceTimeout: time.Second,
		Retry:            retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = a
	return f
}

func (f *fixture) mustCreateUser(t *testing.T, username string) {
	t.Helper()
	if err := f.app.CreateUser(context.Background(), username, "pw1"); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
}

func (f *fixture) seed(t *testing.T, username string, chatID int64, prompts ...string) {
	t.Helper()
	for _, p := range prompts {
		if err := f.transcripts.Append(context.Background(), username, chatID, domain.HistoryEntry{Prompt: p, ModelResponse: "re:" + p}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without collaborators")
	}
}

func TestUserScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.app.CreateUser(ctx, "alice", "pw1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.app.CreateUser(ctx, "alice", "pw1"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("second create = %v, want ErrUserExists", err)
	}
	if err := f.app.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("wrong password = %v", err)
	}
	if err := f.app.Authenticate(ctx, "alice", "pw1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := f.app.Authenticate(ctx, "bob", "pw1"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown user = %v", err)
	}
	if err := f.app.Authenticate(ctx, "alice", ""); !errors.Is(err, ErrCredentialsRequired) {
		t.Fatalf("missing password = %v", err)
	}
}

func TestCreateUserRejectsPathUsernames(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"a/b", "..", " ", "tab\tname"} {
		if err := f.app.CreateUser(context.Background(), name, "pw"); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("CreateUser(%q) = %v, want ErrInvalidUsername", name, err)
		}
	}
}

func TestStartNewChatCreatesEmptyTranscript(t *testing.T) {
	f := newFixture(t, nil)
	f.mustCreateUser(t, "alice")
	ctx := context.Background()

	id, err := f.app.StartNewChat(ctx, "alice")
	if err != nil || id != 1 {
		t.Fatalf("StartNewChat = %d, %v", id, err)
	}
	entries, err := f.transcripts.Load(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("new transcript not empty: %+v", entries)
	}
}

func TestStartNewChatConcurrentIDsAreGapFree(t *testing.T) {
	const n = 20
	f := newFixture(t, nil)
	f.mustCreateUser(t, "alice")

	var wg sync.WaitGroup
	ids := make([]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = f.app.StartNewChat(context.Background(), "alice")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("StartNewChat: %v", err)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("ids not 1..%d: %v", n, ids)
		}
	}
}

func TestStartNewChatUnknownUser(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.app.StartNewChat(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestStartNewChatTranscriptFailureThenInitTranscript(t *testing.T) {
	f := newFixture(t, nil)
	f.mustCreateUser(t, "alice")
	ctx := context.Background()
	f.objects.failPut["alice/1.json"] = true

	id, err := f.app.StartNewChat(ctx, "alice")
	var initErr *TranscriptInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected TranscriptInitError, got %v", err)
	}
	if id != 1 || initErr.ChatID != 1 || initErr.Username != "alice" {
		t.Fatalf("unexpected reserved id: id=%d err=%+v", id, initErr)
	}
	if errors.Is(err, ErrUpstream) {
		t.Fatalf("transcript init failure must stay distinct from ErrUpstream")
	}

	f.objects.failPut["alice/1.json"] = false
	if err := f.app.InitTranscript(ctx, "alice", 1); err != nil {
		t.Fatalf("InitTranscript: %v", err)
	}
	u, _, _ := f.users.GetUser(ctx, "alice")
	if u.ChatCount != 1 {
		t.Fatalf("InitTranscript must not advance the counter, chat_count=%d", u.ChatCount)
	}
	if _, err := f.transcripts.Load(ctx, "alice", 1); err != nil {
		t.Fatalf("transcript not created: %v", err)
	}
	if err := f.app.InitTranscript(ctx, "alice", 2); !errors.Is(err, ErrInvalidChatID) {
		t.Fatalf("unreserved chat id = %v, want ErrInvalidChatID", err)
	}
}

func TestRecentPromptsWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "alice", 1, "p1", "p2", "p3", "p4", "p5", "p6", "p7")
	got, err := f.app.RecentPrompts(context.Background(), "alice", 1, 5)
	if err != nil {
		t.Fatalf("RecentPrompts: %v", err)
	}
	want := []string{"p3", "p4", "p5", "p6", "p7"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}

	short, _ := f.app.RecentPrompts(context.Background(), "alice", 1, 10)
	if len(short) != 7 || short[0] != "p1" {
		t.Fatalf("window larger than transcript = %v", short)
	}
}

func TestRecentPromptsMissingTranscript(t *testing.T) {
	f := newFixture(t, nil)
	got, err := f.app.RecentPrompts(context.Background(), "alice", 42, 5)
	if err != nil {
		t.Fatalf("RecentPrompts: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %#v", got)
	}
}

func TestRespondStripsAndDispatchesOnce(t *testing.T) {
	f := newFixture(t, nil)
	reply, err := f.app.Respond(context.Background(), "alice", 1, "Hi")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply != "Hello" {
		t.Fatalf("reply = %q, want Hello", reply)
	}
	if len(f.dispatcher.jobs) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(f.dispatcher.jobs))
	}
	job := f.dispatcher.jobs[0]
	want := domain.HistoryEntry{Prompt: "Hi", ModelResponse: "Hello"}
	if job.Username != "alice" || job.ChatID != 1 || job.Entry != want {
		t.Fatalf("unexpected job: %+v", job)
	}
	if f.completer.params[0] != ai.DefaultSamplingParams() {
		t.Fatalf("sampling = %+v", f.completer.params[0])
	}
}

func TestRespondWithoutStrip(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StripLeadingChar = false })
	reply, err := f.app.Respond(context.Background(), "alice", 1, "Hi")
	if err != nil || reply != "X Hello" {
		t.Fatalf("Respond = %q, %v", reply, err)
	}
}

func TestRespondPromptOrder(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.SystemPrompt = "PERSONA"
		c.TaskMarker = "TASK:"
	})
	f.seed(t, "alice", 1, "earlier one", "earlier two")
	if _, err := f.app.Respond(context.Background(), "alice", 1, "now"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	prompt := f.completer.prompts[0]
	order := []string{"PERSONA", "earlier one", "earlier two", "TASK:", "now"}
	last := -1
	for _, part := range order {
		idx := strings.Index(prompt, part)
		if idx <= last {
			t.Fatalf("%q out of order in prompt:\n%s", part, prompt)
		}
		last = idx
	}
}

func TestRespondTimeoutDoesNotDispatch(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.InferenceTimeout = 20 * time.Millisecond })
	f.completer.delay = time.Second
	_, err := f.app.Respond(context.Background(), "alice", 1, "Hi")
	if !errors.Is(err, ErrCompletionTimeout) {
		t.Fatalf("expected ErrCompletionTimeout, got %v", err)
	}
	if len(f.dispatcher.jobs) != 0 {
		t.Fatalf("timeout must not dispatch, got %d jobs", len(f.dispatcher.jobs))
	}
}

func TestRespondUpstreamFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.completer.err = &ai.APIError{Provider: "tgi", StatusCode: 503, Message: "loading"}
	_, err := f.app.Respond(context.Background(), "alice", 1, "Hi")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if len(f.dispatcher.jobs) != 0 {
		t.Fatalf("failed completion must not dispatch")
	}
}

func TestRespondContinuesWhenContextUnreadable(t *testing.T) {
	f := newFixture(t, nil)
	f.objects.failGet["alice/1.json"] = true
	reply, err := f.app.Respond(context.Background(), "alice", 1, "Hi")
	if err != nil || reply != "Hello" {
		t.Fatalf("Respond = %q, %v", reply, err)
	}
}

func TestReadHistorySkipsMissingChats(t *testing.T) {
	f := newFixture(t, nil)
	f.mustCreateUser(t, "alice")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.app.StartNewChat(ctx, "alice"); err != nil {
			t.Fatalf("StartNewChat: %v", err)
		}
	}
	f.seed(t, "alice", 1, "one")
	f.seed(t, "alice", 3, "three")
	if err := f.objects.Delete(ctx, "alice/2.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	history, err := f.app.ReadHistory(ctx, "alice")
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(history) != 2 || history[0].ChatID != 1 || history[1].ChatID != 3 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[1].Entries[0].Prompt != "three" {
		t.Fatalf("unexpected chat 3 entries: %+v", history[1].Entries)
	}
}

func TestReadHistoryEmptyAndUnknown(t *testing.T) {
	f := newFixture(t, nil)
	f.mustCreateUser(t, "alice")
	history, err := f.app.ReadHistory(context.Background(), "alice")
	if err != nil || history == nil || len(history) != 0 {
		t.Fatalf("ReadHistory = %#v, %v", history, err)
	}
	if _, err := f.app.ReadHistory(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown user = %v", err)
	}
}

func TestReadHistoryAbortsOnStoreError(t *testing.T) {
	f := newFixture(t, nil)
	f.mustCreateUser(t, "alice")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = f.app.StartNewChat(ctx, "alice")
	}
	f.objects.failGet["alice/2.json"] = true
	history, err := f.app.ReadHistory(ctx, "alice")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if history != nil {
		t.Fatalf("no partial result expected, got %+v", history)
	}
}

func TestReadHistoryWindow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HistoryWindow = 2 })
	f.mustCreateUser(t, "alice")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = f.app.StartNewChat(ctx, "alice")
	}
	history, err := f.app.ReadHistory(ctx, "alice")
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(history) != 2 || history[0].ChatID != 3 || history[1].ChatID != 4 {
		t.Fatalf("unexpected windowed history: %+v", history)
	}
}

func TestStripLeadingChar(t *testing.T) {
	cases := map[string]string{
		"X Hello": "Hello",
		":Hi":     "Hi",
		"é ok":    "ok",
		"":        "",
		"a":       "",
	}
	for in, want := range cases {
		if got := stripLeadingChar(in); got != want {
			t.Fatalf("stripLeadingChar(%q) = %q, want %q", in, got, want)
		}
	}
}
