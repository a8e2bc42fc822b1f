package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/Satvik374/bot-deployer/internal/domain"
)

type fakeProc struct {
	mu     sync.Mutex
	killed int
}

func (f *fakeProc) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
}

func (f *fakeProc) Pid() int { return 4321 }

func TestCreateAssignsIDAndCloningState(t *testing.T) {
	st := New()

	dep := st.Create(domain.Deployment{RepoURL: "https://example.com/sample.git", RepoName: "sample"})
	if dep.ID == "" {
		t.Fatalf("expected an assigned id")
	}
	if dep.State != domain.StateCloning {
		t.Fatalf("expected state cloning, got %s", dep.State)
	}
	if dep.CreatedAt.IsZero() || dep.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}

	stored, err := st.Get(dep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RepoName != "sample" {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
}

func TestCreateKeepsProvidedID(t *testing.T) {
	st := New()

	dep := st.Create(domain.Deployment{ID: "fixed-id", RepoName: "sample"})
	if dep.ID != "fixed-id" {
		t.Fatalf("expected provided id to survive, got %q", dep.ID)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	st := New()

	if _, err := st.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStateEnforcesLifecycleEdges(t *testing.T) {
	cases := []struct {
		from, to domain.State
		ok       bool
	}{
		{domain.StateCloning, domain.StateBuilding, true},
		{domain.StateCloning, domain.StateRunning, true},
		{domain.StateCloning, domain.StateFailed, true},
		{domain.StateCloning, domain.StateStopped, false},
		{domain.StateBuilding, domain.StateRunning, true},
		{domain.StateBuilding, domain.StateFailed, true},
		{domain.StateBuilding, domain.StateCloning, false},
		{domain.StateRunning, domain.StateStopped, true},
		{domain.StateRunning, domain.StateRunning, true},
		{domain.StateRunning, domain.StateFailed, false},
		{domain.StateStopped, domain.StateRunning, true},
		{domain.StateStopped, domain.StateFailed, false},
		{domain.StateFailed, domain.StateRunning, true},
		{domain.StateFailed, domain.StateStopped, false},
	}

	for _, tc := range cases {
		st := New()
		dep := st.Create(domain.Deployment{RepoName: "sample"})
		forceState(t, st, dep.ID, tc.from)

		_, err := st.SetState(dep.ID, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s should be legal, got %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s should be rejected, got %v", tc.from, tc.to, err)
			}
			got, getErr := st.Get(dep.ID)
			if getErr != nil || got.State != tc.from {
				t.Fatalf("rejected transition must not mutate state: %+v err=%v", got, getErr)
			}
		}
	}
}

// forceState walks the record to the wanted state along legal edges.
func forceState(t *testing.T, st *Store, id string, want domain.State) {
	t.Helper()
	path := map[domain.State][]domain.State{
		domain.StateCloning:  {},
		domain.StateBuilding: {domain.StateBuilding},
		domain.StateRunning:  {domain.StateRunning},
		domain.StateStopped:  {domain.StateRunning, domain.StateStopped},
		domain.StateFailed:   {domain.StateFailed},
	}
	for _, step := range path[want] {
		if _, err := st.SetState(id, step); err != nil {
			t.Fatalf("walking to %s via %s: %v", want, step, err)
		}
	}
}

func TestSetStateUnknownReturnsNotFound(t *testing.T) {
	st := New()

	if _, err := st.SetState("missing", domain.StateRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSnapshotsAllRecords(t *testing.T) {
	st := New()
	a := st.Create(domain.Deployment{RepoName: "alpha", RepoURL: "https://example.com/alpha.git"})
	b := st.Create(domain.Deployment{RepoName: "beta", RepoURL: "https://example.com/beta.git"})

	summaries := st.List()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	seen := map[string]domain.Summary{}
	for _, s := range summaries {
		seen[s.ID] = s
	}
	for _, dep := range []domain.Deployment{a, b} {
		got, ok := seen[dep.ID]
		if !ok {
			t.Fatalf("missing summary for %s", dep.ID)
		}
		if got.RepoName != dep.RepoName || got.RepoURL != dep.RepoURL || got.State != domain.StateCloning {
			t.Fatalf("unexpected summary: %+v", got)
		}
	}
}

func TestConcurrentCreatesStayConsistent(t *testing.T) {
	st := New()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			st.Create(domain.Deployment{RepoName: "same", RepoURL: "https://example.com/same.git"})
		}()
	}
	wg.Wait()

	summaries := st.List()
	if len(summaries) != n {
		t.Fatalf("expected %d records, got %d", n, len(summaries))
	}
	ids := map[string]struct{}{}
	for _, s := range summaries {
		if _, dup := ids[s.ID]; dup {
			t.Fatalf("duplicate id %s", s.ID)
		}
		ids[s.ID] = struct{}{}
	}
}

func TestAttachRunningAndNaturalRelease(t *testing.T) {
	st := New()
	dep := st.Create(domain.Deployment{RepoName: "sample"})
	proc := &fakeProc{}

	gen, displaced, err := st.AttachRunning(dep.ID, proc)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if displaced != nil {
		t.Fatalf("fresh attach displaced a process: %v", displaced)
	}
	if got, _ := st.Get(dep.ID); got.State != domain.StateRunning {
		t.Fatalf("expected running after attach, got %s", got.State)
	}

	if !st.ReleaseIfCurrent(dep.ID, gen, domain.StateStopped) {
		t.Fatalf("expected release with current generation to succeed")
	}
	got, _ := st.Get(dep.ID)
	if got.State != domain.StateStopped {
		t.Fatalf("expected stopped after release, got %s", got.State)
	}

	// The handle is gone after the release.
	detached, err := st.Detach(dep.ID)
	if err != nil || detached != nil {
		t.Fatalf("expected no live process after release, got %v err=%v", detached, err)
	}
}

func TestStaleReleaseNeverDowngradesState(t *testing.T) {
	st := New()
	dep := st.Create(domain.Deployment{RepoName: "sample"})

	oldGen, _, err := st.AttachRunning(dep.ID, &fakeProc{})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Restart path: detach the old process, then attach a new one.
	if _, err := st.Detach(dep.ID); err != nil {
		t.Fatalf("detach: %v", err)
	}
	newGen, _, err := st.AttachRunning(dep.ID, &fakeProc{})
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if newGen <= oldGen {
		t.Fatalf("expected generation to advance, old=%d new=%d", oldGen, newGen)
	}

	if st.ReleaseIfCurrent(dep.ID, oldGen, domain.StateStopped) {
		t.Fatalf("stale generation must not release the record")
	}
	if got, _ := st.Get(dep.ID); got.State != domain.StateRunning {
		t.Fatalf("stale exit downgraded state to %s", got.State)
	}

	if !st.ReleaseIfCurrent(dep.ID, newGen, domain.StateStopped) {
		t.Fatalf("current generation should release")
	}
}

func TestAttachRunningReturnsDisplacedProcess(t *testing.T) {
	st := New()
	dep := st.Create(domain.Deployment{RepoName: "sample"})
	first := &fakeProc{}

	oldGen, displaced, err := st.AttachRunning(dep.ID, first)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if displaced != nil {
		t.Fatalf("fresh attach displaced a process: %v", displaced)
	}

	// A second attach without a detach in between hands back the live
	// process so the caller can kill it.
	second := &fakeProc{}
	newGen, displaced, err := st.AttachRunning(dep.ID, second)
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if displaced != Process(first) {
		t.Fatalf("expected the first process back, got %v", displaced)
	}
	if newGen <= oldGen {
		t.Fatalf("expected generation to advance, old=%d new=%d", oldGen, newGen)
	}

	// The displaced process's exit must not touch the record.
	if st.ReleaseIfCurrent(dep.ID, oldGen, domain.StateStopped) {
		t.Fatalf("stale generation must not release the record")
	}
	if got, _ := st.Get(dep.ID); got.State != domain.StateRunning {
		t.Fatalf("expected running, got %s", got.State)
	}
}

func TestDetachReturnsProcessOnce(t *testing.T) {
	st := New()
	dep := st.Create(domain.Deployment{RepoName: "sample"})
	proc := &fakeProc{}

	if _, _, err := st.AttachRunning(dep.ID, proc); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got, err := st.Detach(dep.ID)
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if got != Process(proc) {
		t.Fatalf("expected the attached process back")
	}

	again, err := st.Detach(dep.ID)
	if err != nil || again != nil {
		t.Fatalf("second detach should find nothing, got %v err=%v", again, err)
	}
}

func TestRecordsAreCopiedOnReadAndWrite(t *testing.T) {
	st := New()
	env := map[string]string{"TOKEN": "secret"}
	dep := st.Create(domain.Deployment{RepoName: "sample", EnvVars: env})

	env["TOKEN"] = "mutated"
	got, err := st.Get(dep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EnvVars["TOKEN"] != "secret" {
		t.Fatalf("store shares caller map: %v", got.EnvVars)
	}

	got.EnvVars["TOKEN"] = "changed-by-reader"
	again, _ := st.Get(dep.ID)
	if again.EnvVars["TOKEN"] != "secret" {
		t.Fatalf("reader mutated stored map: %v", again.EnvVars)
	}
}

func TestSetRunEnvStoresCopy(t *testing.T) {
	st := New()
	dep := st.Create(domain.Deployment{RepoName: "sample"})

	env := []string{"PORT=12345", "A=b"}
	if err := st.SetRunEnv(dep.ID, env); err != nil {
		t.Fatalf("set run env: %v", err)
	}
	env[0] = "PORT=clobbered"

	got, _ := st.Get(dep.ID)
	if len(got.RunEnv) != 2 || got.RunEnv[0] != "PORT=12345" {
		t.Fatalf("unexpected run env: %v", got.RunEnv)
	}
}
