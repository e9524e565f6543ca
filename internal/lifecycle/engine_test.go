package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"challenge-instancer/internal/flagcrypto"
	"challenge-instancer/internal/monitor"
	"challenge-instancer/internal/orchestrator"
	"challenge-instancer/internal/policy"
	"challenge-instancer/internal/store"
)

// fakeStore is an in-memory Store that reproduces the uniqueness and locking
// semantics the engine depends on.
type fakeStore struct {
	mu        sync.Mutex
	instances map[string]*store.Instance // owner|exercise
	flags     map[uuid.UUID]*store.FlagRecord

	// hideActiveOnce makes the next GetActiveInstance miss, simulating a
	// concurrent insert that is not yet visible when Start pre-checks.
	hideActiveOnce bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		instances: make(map[string]*store.Instance),
		flags:     make(map[uuid.UUID]*store.FlagRecord),
	}
}

func key(owner, exerciseID string) string { return owner + "|" + exerciseID }

func (f *fakeStore) CreateInstanceWithFlag(_ context.Context, inst *store.Instance, flag *store.FlagRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(inst.Owner, inst.ExerciseID)
	if _, exists := f.instances[k]; exists {
		return store.ErrDuplicateActive
	}
	cp := *inst
	f.instances[k] = &cp
	fcp := *flag
	f.flags[flag.InstanceID] = &fcp
	return nil
}

func (f *fakeStore) GetActiveInstance(_ context.Context, owner, exerciseID string) (*store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hideActiveOnce {
		f.hideActiveOnce = false
		return nil, store.ErrNotFound
	}

	inst, ok := f.instances[key(owner, exerciseID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeStore) UpdateInstanceLocked(_ context.Context, owner, exerciseID string, mutate func(*store.Instance) error) (*store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, ok := f.instances[key(owner, exerciseID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	f.instances[key(owner, exerciseID)] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) DeleteInstance(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k, inst := range f.instances {
		if inst.ID == id {
			delete(f.instances, k)
			break
		}
	}
	delete(f.flags, id)
	return nil
}

func (f *fakeStore) GetFlagRecord(_ context.Context, instanceID uuid.UUID) (*store.FlagRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.flags[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ListExpired(_ context.Context, now time.Time, limit int) ([]store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []store.Instance
	for _, inst := range f.instances {
		if inst.Expired(now) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ActiveHandles(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var handles []string
	for _, inst := range f.instances {
		handles = append(handles, inst.BackendHandle)
	}
	return handles, nil
}

func (f *fakeStore) put(inst *store.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[key(inst.Owner, inst.ExerciseID)] = inst
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// fakeBackend tracks running container handles in memory.
type fakeBackend struct {
	mu        sync.Mutex
	running   map[string]bool
	createErr error
	deleteErr map[string]error
	created   int
	deleted   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		running:   make(map[string]bool),
		deleteErr: make(map[string]error),
	}
}

func (b *fakeBackend) Create(_ context.Context, req orchestrator.CreateRequest) (*orchestrator.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.createErr != nil {
		return nil, b.createErr
	}
	b.created++
	b.running[req.Name] = true

	ports := make(map[int]int, len(req.Ports))
	for _, p := range req.Ports {
		ports[p] = 30000 + p
	}
	return &orchestrator.Handle{ID: req.Name, Host: "challenges.example.org", Ports: ports}, nil
}

func (b *fakeBackend) Delete(_ context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.deleteErr[handle]; err != nil {
		return err
	}
	b.deleted++
	delete(b.running, handle) // absent is success
	return nil
}

func (b *fakeBackend) List(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var handles []string
	for h := range b.running {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles, nil
}

func (b *fakeBackend) Healthy(context.Context) bool { return true }
func (b *fakeBackend) Close() error                 { return nil }

func (b *fakeBackend) isRunning(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running[handle]
}

func (b *fakeBackend) runningCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}

// fakeAudit collects events synchronously.
type fakeAudit struct {
	mu     sync.Mutex
	events []*store.AuditEvent
}

func (a *fakeAudit) Record(event *store.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

type testHarness struct {
	engine  *Engine
	store   *fakeStore
	backend *fakeBackend
	audit   *fakeAudit
	keyring *flagcrypto.Keyring
	now     time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	hexKey, err := flagcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	keyring, err := flagcrypto.NewKeyring("k1", map[string]string{"k1": hexKey})
	if err != nil {
		t.Fatal(err)
	}

	h := &testHarness{
		store:   newFakeStore(),
		backend: newFakeBackend(),
		audit:   &fakeAudit{},
		keyring: keyring,
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = New(h.store, h.backend, keyring,
		policy.NewResolver(nil, policy.Defaults()), h.audit, monitor.NewMetrics())
	h.engine.now = func() time.Time { return h.now }
	return h
}

func exercise() ExerciseSpec {
	return ExerciseSpec{
		ID:           "pwn-101",
		Image:        "registry.local/pwn-101:latest",
		Ports:        []int{1337},
		FlagTemplate: "ctf{<hex>_<hex>}",
	}
}

func TestStartCreatesInstance(t *testing.T) {
	h := newHarness(t)

	snap, err := h.engine.Start(context.Background(), "alice", exercise())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if snap.Host != "challenges.example.org" {
		t.Errorf("host = %q", snap.Host)
	}
	if snap.Ports[1337] != 31337 {
		t.Errorf("ports = %v", snap.Ports)
	}
	wantExpiry := h.now.Add(15 * time.Minute)
	if !snap.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %v, want %v", snap.ExpiresAt, wantExpiry)
	}
	if snap.RemainingSeconds != 900 {
		t.Errorf("remaining = %d, want 900", snap.RemainingSeconds)
	}
	if snap.MaxExtensions != 5 {
		t.Errorf("max extensions = %d, want 5", snap.MaxExtensions)
	}

	if !h.backend.isRunning("chal-" + snap.InstanceID.String()) {
		t.Error("container not running")
	}
	if _, ok := h.store.flags[snap.InstanceID]; !ok {
		t.Error("flag record not persisted")
	}

	actions := h.audit.actions()
	if len(actions) != 1 || actions[0] != store.ActionCreated {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestStartIsIdempotentWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if first.InstanceID != second.InstanceID {
		t.Errorf("instance ids differ: %s vs %s", first.InstanceID, second.InstanceID)
	}
	if h.backend.created != 1 {
		t.Errorf("backend creates = %d, want 1", h.backend.created)
	}
}

func TestStartDistinctOwnersGetDistinctInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.engine.Start(ctx, "bob", exercise())
	if err != nil {
		t.Fatal(err)
	}

	if a.InstanceID == b.InstanceID {
		t.Error("owners share an instance")
	}
	if h.backend.runningCount() != 2 {
		t.Errorf("running containers = %d, want 2", h.backend.runningCount())
	}
}

func TestStartLostRaceReturnsWinnerWithConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	winner := &store.Instance{
		ID:            uuid.New(),
		Owner:         "alice",
		ExerciseID:    "pwn-101",
		BackendHandle: "chal-winner",
		Host:          "challenges.example.org",
		CreatedAt:     h.now,
		ExpiresAt:     h.now.Add(15 * time.Minute),
		Status:        store.StatusActive,
	}
	h.store.put(winner)
	h.store.hideActiveOnce = true // pre-check misses, insert collides

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Start() error = %v, want ErrConflict", err)
	}
	if snap == nil || snap.InstanceID != winner.ID {
		t.Errorf("snapshot = %+v, want winner %s", snap, winner.ID)
	}

	// The loser's container must not leak.
	if h.backend.runningCount() != 0 {
		t.Errorf("running containers = %d, want 0", h.backend.runningCount())
	}
	if h.store.count() != 1 {
		t.Errorf("instances = %d, want 1", h.store.count())
	}
}

func TestStartReclaimsExpiredPredecessor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := &store.Instance{
		ID:            uuid.New(),
		Owner:         "alice",
		ExerciseID:    "pwn-101",
		BackendHandle: "chal-old",
		CreatedAt:     h.now.Add(-2 * time.Hour),
		ExpiresAt:     h.now.Add(-time.Hour),
		Status:        store.StatusActive,
	}
	h.store.put(old)
	h.backend.running["chal-old"] = true

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if snap.InstanceID == old.ID {
		t.Error("expired instance was returned instead of replaced")
	}
	if h.backend.isRunning("chal-old") {
		t.Error("expired container still running")
	}
}

func TestStartBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.createErr = errors.New("daemon down")

	_, err := h.engine.Start(context.Background(), "alice", exercise())
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Start() error = %v, want ErrBackend", err)
	}

	if h.store.count() != 0 {
		t.Error("instance persisted despite backend failure")
	}
	actions := h.audit.actions()
	if len(actions) != 1 || actions[0] != store.ActionFailedCreate {
		t.Errorf("audit actions = %v, want [failed_create]", actions)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		owner string
		ex    ExerciseSpec
	}{
		{"missing owner", "", exercise()},
		{"missing exercise id", "alice", ExerciseSpec{Image: "img"}},
		{"missing image", "alice", ExerciseSpec{ID: "pwn-101"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.engine.Start(ctx, tc.owner, tc.ex); !errors.Is(err, ErrValidation) {
				t.Errorf("Start() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestStartBadTemplate(t *testing.T) {
	h := newHarness(t)
	ex := exercise()
	ex.FlagTemplate = "ctf{<bogus>}"

	if _, err := h.engine.Start(context.Background(), "alice", ex); !errors.Is(err, ErrValidation) {
		t.Errorf("Start() error = %v, want ErrValidation", err)
	}
	if h.backend.created != 0 {
		t.Error("container created despite template error")
	}
}

func TestExtendAddsIncrement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}

	snap, err := h.engine.Extend(ctx, "alice", "pwn-101")
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}

	want := started.ExpiresAt.Add(15 * time.Minute)
	if !snap.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", snap.ExpiresAt, want)
	}
	if snap.ExtensionCount != 1 {
		t.Errorf("extension count = %d, want 1", snap.ExtensionCount)
	}
}

func TestExtendMaxExtensions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Start(ctx, "alice", exercise()); err != nil {
		t.Fatal(err)
	}
	inst := h.store.instances[key("alice", "pwn-101")]
	inst.ExtensionCount = 5

	if _, err := h.engine.Extend(ctx, "alice", "pwn-101"); !errors.Is(err, ErrMaxExtensions) {
		t.Fatalf("Extend() error = %v, want ErrMaxExtensions", err)
	}
	if got := h.store.instances[key("alice", "pwn-101")].ExpiresAt; !got.Equal(inst.ExpiresAt) {
		t.Error("expiry changed on denied extension")
	}
}

func TestExtendLifetimeCap(t *testing.T) {
	h := newHarness(t)

	// 80 minutes in with a 90 minute cap: one more 15 minute extension would
	// overshoot even though the extension budget has room.
	h.store.put(&store.Instance{
		ID:            uuid.New(),
		Owner:         "alice",
		ExerciseID:    "pwn-101",
		BackendHandle: "chal-x",
		CreatedAt:     h.now.Add(-80 * time.Minute),
		ExpiresAt:     h.now.Add(10 * time.Minute),
		Status:        store.StatusActive,
	})

	if _, err := h.engine.Extend(context.Background(), "alice", "pwn-101"); !errors.Is(err, ErrLifetimeCap) {
		t.Fatalf("Extend() error = %v, want ErrLifetimeCap", err)
	}
}

func TestExtendExpiredInstance(t *testing.T) {
	h := newHarness(t)

	h.store.put(&store.Instance{
		ID:         uuid.New(),
		Owner:      "alice",
		ExerciseID: "pwn-101",
		CreatedAt:  h.now.Add(-time.Hour),
		ExpiresAt:  h.now.Add(-time.Minute),
		Status:     store.StatusActive,
	})

	if _, err := h.engine.Extend(context.Background(), "alice", "pwn-101"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Extend() error = %v, want ErrNotFound", err)
	}
}

func TestExtendNoInstance(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Extend(context.Background(), "alice", "pwn-101"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Extend() error = %v, want ErrNotFound", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Stopping what never existed is success.
	if err := h.engine.Stop(ctx, "alice", "pwn-101", ReasonUserRequested); err != nil {
		t.Fatalf("Stop() on absent instance = %v", err)
	}

	if _, err := h.engine.Start(ctx, "alice", exercise()); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Stop(ctx, "alice", "pwn-101", ReasonUserRequested); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.engine.Stop(ctx, "alice", "pwn-101", ReasonUserRequested); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if h.backend.runningCount() != 0 {
		t.Error("container survived stop")
	}
	if h.store.count() != 0 {
		t.Error("instance row survived stop")
	}
}

func TestStopBackendFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}
	handle := "chal-" + snap.InstanceID.String()
	h.backend.deleteErr[handle] = errors.New("daemon down")

	if err := h.engine.Stop(ctx, "alice", "pwn-101", ReasonUserRequested); !errors.Is(err, ErrBackend) {
		t.Fatalf("Stop() error = %v, want ErrBackend", err)
	}
	// Row stays so a retry (or the sweep) can finish the job.
	if h.store.count() != 1 {
		t.Error("instance row deleted despite backend failure")
	}

	delete(h.backend.deleteErr, handle)
	if err := h.engine.Stop(ctx, "alice", "pwn-101", ReasonUserRequested); err != nil {
		t.Fatalf("retried Stop() error = %v", err)
	}
	if h.store.count() != 0 {
		t.Error("retry did not delete the record")
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Status(ctx, "alice", "pwn-101"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status() error = %v, want ErrNotFound", err)
	}

	started, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}

	snap, err := h.engine.Status(ctx, "alice", "pwn-101")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.InstanceID != started.InstanceID {
		t.Error("status returned a different instance")
	}

	// Past the expiry the instance reads as gone, even before the sweep.
	h.now = h.now.Add(16 * time.Minute)
	if _, err := h.engine.Status(ctx, "alice", "pwn-101"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status() after expiry = %v, want ErrNotFound", err)
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}

	rec := h.store.flags[snap.InstanceID]
	issued, err := h.keyring.Decrypt(rec.Ciphertext, rec.KeyID)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := h.engine.Validate(ctx, "alice", "pwn-101", issued)
	if err != nil || !ok {
		t.Errorf("Validate(issued) = %v, %v, want true, nil", ok, err)
	}

	ok, err = h.engine.Validate(ctx, "alice", "pwn-101", "ctf{wrong}")
	if err != nil || ok {
		t.Errorf("Validate(wrong) = %v, %v, want false, nil", ok, err)
	}

	// Another owner's instance holds a different flag.
	if _, err := h.engine.Start(ctx, "bob", exercise()); err != nil {
		t.Fatal(err)
	}
	ok, err = h.engine.Validate(ctx, "bob", "pwn-101", issued)
	if err != nil || ok {
		t.Errorf("Validate(cross-owner) = %v, %v, want false, nil", ok, err)
	}
}

func TestValidateNoInstance(t *testing.T) {
	h := newHarness(t)

	ok, err := h.engine.Validate(context.Background(), "alice", "pwn-101", "ctf{anything}")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if ok {
		t.Error("Validate() = true without an instance")
	}
}

func TestValidateAfterStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}
	rec := h.store.flags[snap.InstanceID]
	issued, err := h.keyring.Decrypt(rec.Ciphertext, rec.KeyID)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Stop(ctx, "alice", "pwn-101", ReasonUserRequested); err != nil {
		t.Fatal(err)
	}

	ok, err := h.engine.Validate(ctx, "alice", "pwn-101", issued)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if ok {
		t.Error("a stopped instance's flag validated")
	}
}

func TestValidateExpiredInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}
	rec := h.store.flags[snap.InstanceID]
	issued, err := h.keyring.Decrypt(rec.Ciphertext, rec.KeyID)
	if err != nil {
		t.Fatal(err)
	}

	h.now = h.now.Add(16 * time.Minute)

	ok, err := h.engine.Validate(ctx, "alice", "pwn-101", issued)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if ok {
		t.Error("an expired instance's flag validated")
	}
}

func TestValidateCorruptCiphertext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}
	h.store.flags[snap.InstanceID].Ciphertext[0] ^= 0xff

	ok, err := h.engine.Validate(ctx, "alice", "pwn-101", "ctf{anything}")
	if err != nil {
		t.Fatalf("Validate() error = %v, want nil: integrity failures must read as mismatch", err)
	}
	if ok {
		t.Error("corrupt ciphertext validated")
	}
}

func TestValidateBruteForceFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Start(ctx, "alice", exercise()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		ok, err := h.engine.Validate(ctx, "alice", "pwn-101", "ctf{wrong}")
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if ok {
			t.Fatal("wrong flag validated")
		}
	}

	flagged := false
	for _, action := range h.audit.actions() {
		if action == store.ActionAbuseFlagged {
			flagged = true
		}
	}
	if !flagged {
		t.Errorf("no %s audit event after repeated failures: %v",
			store.ActionAbuseFlagged, h.audit.actions())
	}
}

func TestSweepOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.engine.Start(ctx, "alice", exercise())
	if err != nil {
		t.Fatal(err)
	}
	tracked := "chal-" + snap.InstanceID.String()

	// A container from a previous run, with no surviving record.
	h.backend.mu.Lock()
	h.backend.running["chal-deadbeef"] = true
	h.backend.mu.Unlock()

	n, err := h.engine.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepOrphans() = %d, want 1", n)
	}
	if h.backend.isRunning("chal-deadbeef") {
		t.Error("orphaned container still running")
	}
	if !h.backend.isRunning(tracked) {
		t.Error("tracked container was swept")
	}
}
