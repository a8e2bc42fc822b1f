package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Satvik374/bot-deployer/internal/domain"
	"github.com/Satvik374/bot-deployer/internal/store"
	"github.com/Satvik374/bot-deployer/internal/supervisor"
	"github.com/Satvik374/bot-deployer/internal/workspace"
	"github.com/Satvik374/bot-deployer/pkg/config"
)

// Build failure policies.
const (
	BuildPolicyContinue = "continue"
	BuildPolicyFail     = "fail"
)

// Request contains deployment parameters from the operator.
type Request struct {
	RepoURL  string            `json:"repo_url"`
	BuildCmd string            `json:"build_command"`
	RunCmd   string            `json:"run_command"`
	EnvVars  map[string]string `json:"env"`
	EnvFile  string            `json:"env_file"`
	Proxy    string            `json:"proxy"`
}

// Cloner retrieves a repository into a destination directory.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dest string) error
}

// Process is one live child process owned by a deployment record.
type Process interface {
	Exit() <-chan supervisor.ExitStatus
	Kill()
	Pid() int
}

// Spawner launches operator commands as supervised child processes.
type Spawner interface {
	Start(spec supervisor.Spec) (Process, error)
}

// SupervisorSpawner adapts a supervisor.Supervisor to the Spawner
// interface.
type SupervisorSpawner struct {
	Sup *supervisor.Supervisor
}

func (s SupervisorSpawner) Start(spec supervisor.Spec) (Process, error) {
	h, err := s.Sup.Start(spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Publisher broadcasts a deployment log line to live observers.
type Publisher interface {
	Publish(deploymentID, text string)
}

// Service drives the deployment lifecycle: clone, build, run, stop and
// restart, with every transition recorded in the store and every output
// line handed to the publisher.
type Service struct {
	store   *store.Store
	ws      *workspace.Manager
	cloner  Cloner
	spawner Spawner
	pub     Publisher
	logger  *slog.Logger
	cfg     config.DaemonConfig
	chains  *sync.WaitGroup
	cancels *sync.Map
}

// New creates a deployment service.
func New(st *store.Store, ws *workspace.Manager, cloner Cloner, spawner Spawner, pub Publisher, logger *slog.Logger, cfg config.DaemonConfig) Service {
	return Service{
		store:   st,
		ws:      ws,
		cloner:  cloner,
		spawner: spawner,
		pub:     pub,
		logger:  logger,
		cfg:     cfg,
		chains:  &sync.WaitGroup{},
		cancels: &sync.Map{},
	}
}

// Deploy validates the request, registers the deployment and kicks off
// its lifecycle chain. It returns as soon as the record exists; clone,
// build and run progress on the deployment's own goroutine.
func (s Service) Deploy(ctx context.Context, req Request) (domain.Deployment, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.Deployment{}, err
	}

	repoName := domain.RepoNameFromURL(req.RepoURL)
	id := uuid.NewString()
	dep := s.store.Create(domain.Deployment{
		ID:       id,
		RepoURL:  strings.TrimSpace(req.RepoURL),
		RepoName: repoName,
		BuildCmd: strings.TrimSpace(req.BuildCmd),
		RunCmd:   strings.TrimSpace(req.RunCmd),
		EnvVars:  req.EnvVars,
		EnvFile:  strings.TrimSpace(req.EnvFile),
		Proxy:    strings.TrimSpace(req.Proxy),
		Workdir:  s.ws.DirFor(repoName, id),
	})
	s.logger.Info("deployment received", "deployment_id", dep.ID, "repo_url", dep.RepoURL, "repo_name", dep.RepoName)

	chainCtx, cancel := context.WithCancel(context.Background())
	s.cancels.Store(dep.ID, cancel)
	s.chains.Add(1)
	go s.execute(chainCtx, dep)

	return dep, nil
}

// Get returns one deployment record.
func (s Service) Get(id string) (domain.Deployment, error) {
	return s.store.Get(id)
}

// List returns a snapshot of all deployments.
func (s Service) List() []domain.Summary {
	return s.store.List()
}

// Stop kills the deployment's live process, if any, and marks the
// record stopped. Stopping a record with no live process succeeds
// without touching its state.
func (s Service) Stop(id string) (domain.Deployment, error) {
	proc, err := s.store.Detach(id)
	if err != nil {
		return domain.Deployment{}, err
	}
	if proc == nil {
		s.logger.Info("stop requested with no live process", "deployment_id", id)
		return s.store.Get(id)
	}

	proc.Kill()
	dep, err := s.store.SetState(id, domain.StateStopped)
	if err != nil {
		return domain.Deployment{}, err
	}
	s.pub.Publish(id, "deployment stopped")
	s.logger.Info("deployment stopped", "deployment_id", id, "pid", proc.Pid())
	return dep, nil
}

// Restart kills the deployment's current process, if any, and re-spawns
// the stored run command in the existing working directory. The
// repository is not cloned or built again.
func (s Service) Restart(id string) (domain.Deployment, error) {
	dep, err := s.store.Get(id)
	if err != nil {
		return domain.Deployment{}, err
	}

	if proc, detachErr := s.store.Detach(id); detachErr == nil && proc != nil {
		// An already exited process makes this a harmless no-op.
		proc.Kill()
	}

	s.pub.Publish(id, "restarting deployment")
	s.logger.Info("restart requested", "deployment_id", id, "repo_name", dep.RepoName)

	if len(dep.RunEnv) == 0 {
		dep.RunEnv = s.resolveRunEnv(dep)
		if envErr := s.store.SetRunEnv(id, dep.RunEnv); envErr != nil {
			s.logger.Warn("failed to persist run environment", "deployment_id", id, "error", envErr)
		}
	}

	if err := s.startProcess(dep); err != nil {
		if _, stateErr := s.store.SetState(id, domain.StateStopped); stateErr != nil && !errors.Is(stateErr, store.ErrInvalidTransition) {
			s.logger.Error("state update failed", "deployment_id", id, "error", stateErr)
		}
		return domain.Deployment{}, err
	}
	return s.store.Get(id)
}

// Health verifies the orchestrator's collaborators are usable.
func (s Service) Health(ctx context.Context) error {
	if c, ok := s.cloner.(interface{ Available() error }); ok {
		if err := c.Available(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.ws.Root()); err != nil {
		return fmt.Errorf("workspace root unavailable: %w", err)
	}
	return ctx.Err()
}

// Wait blocks until every in-flight deployment chain has finished its
// clone/build/spawn work. Chains end once their process is running (or
// the chain failed); running processes are watched separately.
func (s Service) Wait() {
	s.chains.Wait()
}

// Close aborts in-flight deployment chains and waits for them to wind
// down. Live child processes are deliberately left to the operating
// system; the in-memory registry dies with the daemon.
func (s Service) Close() {
	s.cancels.Range(func(_, value any) bool {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
		return true
	})
	s.chains.Wait()
}

func (s Service) validateRequest(req Request) error {
	if strings.TrimSpace(req.RepoURL) == "" {
		return fmt.Errorf("%w: repository url required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.RunCmd) == "" {
		return fmt.Errorf("%w: run command required", ErrInvalidRequest)
	}
	return nil
}

// execute drives one deployment chain: workspace, clone, build, run.
func (s Service) execute(ctx context.Context, dep domain.Deployment) {
	defer s.chains.Done()
	defer func() {
		if cancel, ok := s.cancels.LoadAndDelete(dep.ID); ok {
			cancel.(context.CancelFunc)()
		}
	}()

	s.pub.Publish(dep.ID, "cloning "+dep.RepoURL)
	if err := s.ws.Prepare(dep.Workdir); err != nil {
		s.fail(dep, "workspace", err)
		return
	}

	if err := s.cloner.Clone(ctx, dep.RepoURL, dep.Workdir); err != nil {
		s.fail(dep, "clone", err)
		if cleanupErr := s.ws.Cleanup(dep.Workdir); cleanupErr != nil {
			s.logger.Warn("workspace cleanup failed", "deployment_id", dep.ID, "error", cleanupErr)
		}
		return
	}
	s.pub.Publish(dep.ID, "repository cloned")

	if dep.BuildCmd != "" {
		if !s.build(ctx, dep) {
			return
		}
	}

	if ctx.Err() != nil {
		s.logger.Info("deployment chain aborted", "deployment_id", dep.ID)
		return
	}

	dep.RunEnv = s.resolveRunEnv(dep)
	if err := s.store.SetRunEnv(dep.ID, dep.RunEnv); err != nil {
		s.logger.Warn("failed to persist run environment", "deployment_id", dep.ID, "error", err)
	}

	// Spawn errors are already published; the chain simply ends here
	// and the record keeps its pre-run state.
	_ = s.startProcess(dep)
}

// build runs the build command to completion, streaming its output. It
// reports whether the chain should continue.
func (s Service) build(ctx context.Context, dep domain.Deployment) bool {
	if _, err := s.store.SetState(dep.ID, domain.StateBuilding); err != nil {
		s.logger.Error("state update failed", "deployment_id", dep.ID, "error", err)
		return false
	}
	s.pub.Publish(dep.ID, "running build command")

	h, err := s.spawner.Start(supervisor.Spec{
		Command: dep.BuildCmd,
		Dir:     dep.Workdir,
		Env:     os.Environ(),
		Stdout:  func(line string) { s.pub.Publish(dep.ID, line) },
		Stderr:  func(line string) { s.pub.Publish(dep.ID, line) },
	})
	if err != nil {
		s.fail(dep, "build", err)
		return false
	}

	var status supervisor.ExitStatus
	select {
	case status = <-h.Exit():
	case <-ctx.Done():
		h.Kill()
		<-h.Exit()
		s.logger.Info("build aborted", "deployment_id", dep.ID)
		return false
	}

	if status.Code != 0 {
		if s.buildPolicy() == BuildPolicyFail {
			s.fail(dep, "build", fmt.Errorf("build finished with %s", status))
			return false
		}
		s.pub.Publish(dep.ID, fmt.Sprintf("build finished with %s, continuing", status))
		s.logger.Warn("build command exited nonzero", "deployment_id", dep.ID, "status", status.String())
		return true
	}

	s.pub.Publish(dep.ID, "build completed")
	return true
}

// startProcess spawns the stored run command and attaches the resulting
// handle to the record. Used by the deploy chain and by restart.
func (s Service) startProcess(dep domain.Deployment) error {
	if dep.Proxy != "" {
		s.pub.Publish(dep.ID, "using proxy "+redactProxy(dep.Proxy))
	}

	h, err := s.spawner.Start(supervisor.Spec{
		Command: dep.RunCmd,
		Dir:     dep.Workdir,
		Env:     dep.RunEnv,
		Stdout:  func(line string) { s.pub.Publish(dep.ID, line) },
		Stderr:  func(line string) { s.pub.Publish(dep.ID, line) },
	})
	if err != nil {
		s.pub.Publish(dep.ID, "failed to start process: "+err.Error())
		s.logger.Error("process start failed", "deployment_id", dep.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	gen, displaced, err := s.store.AttachRunning(dep.ID, h)
	if err != nil {
		h.Kill()
		s.logger.Error("process attach failed", "deployment_id", dep.ID, "error", err)
		return err
	}
	if displaced != nil {
		// A concurrent restart or chain attach landed before this one.
		// The record owns at most one live process.
		displaced.Kill()
		s.pub.Publish(dep.ID, fmt.Sprintf("process with pid %d replaced", displaced.Pid()))
		s.logger.Info("superseded process killed", "deployment_id", dep.ID, "pid", displaced.Pid())
	}

	s.pub.Publish(dep.ID, fmt.Sprintf("process started with pid %d", h.Pid()))
	s.logger.Info("process started", "deployment_id", dep.ID, "pid", h.Pid())
	go s.watchExit(dep.ID, gen, h)
	return nil
}

// watchExit waits for the process to finish and records the natural
// exit. A stale generation means stop or restart already superseded
// this process, so its exit is discarded.
func (s Service) watchExit(id string, gen uint64, proc Process) {
	status := <-proc.Exit()
	if !s.store.ReleaseIfCurrent(id, gen, domain.StateStopped) {
		s.logger.Debug("stale process exit ignored", "deployment_id", id, "pid", proc.Pid())
		return
	}
	s.pub.Publish(id, "process exited with "+status.String())
	s.logger.Info("process exited", "deployment_id", id, "pid", proc.Pid(), "status", status.String())
}

// fail publishes the stage error, marks the record failed and ends the
// chain.
func (s Service) fail(dep domain.Deployment, stage string, err error) {
	s.pub.Publish(dep.ID, fmt.Sprintf("%s failed: %v", stage, err))
	s.logger.Error("deployment stage failed", "deployment_id", dep.ID, "stage", stage, "error", err)
	if _, stateErr := s.store.SetState(dep.ID, domain.StateFailed); stateErr != nil {
		s.logger.Error("state update failed", "deployment_id", dep.ID, "error", stateErr)
	}
}

func (s Service) buildPolicy() string {
	if strings.EqualFold(strings.TrimSpace(s.cfg.BuildFailurePolicy), BuildPolicyFail) {
		return BuildPolicyFail
	}
	return BuildPolicyContinue
}
