// Package supervisor starts the relay's processes in dependency order,
// waits for each to report ready, and stops any one of them by handle,
// name or label without touching its siblings.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const logPrefix = "supervisor:supervisor"

// LabelEnv carries a component's label into its environment.
const LabelEnv = "SUBSTRATE_COMPONENT_LABEL"

// HandleEnv carries a component's supervisor handle into its environment.
const HandleEnv = "SUBSTRATE_COMPONENT_HANDLE"

// ErrNotRunning is returned by Stop when no running component matches.
var ErrNotRunning = errors.New("no running component matches")

// Options configures a Supervisor.
type Options struct {
	Manifest *Manifest
	StateDir string
	// ProbeInterval is the delay between readiness probes.
	ProbeInterval time.Duration
	// RestartBackoff is the first delay before restarting a failed component.
	RestartBackoff time.Duration
	Stdout         io.Writer
	Stderr         io.Writer
	Client         *http.Client
}

// ComponentStatus is one line of Status.
type ComponentStatus struct {
	Name    string    `json:"name"`
	Label   string    `json:"label"`
	Handle  string    `json:"handle,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Started time.Time `json:"started,omitempty"`
	Running bool      `json:"running"`
	Ready   bool      `json:"ready"`
}

// Supervisor owns the components it started and can stop components
// recorded in the state file by other supervisors.
type Supervisor struct {
	opts  Options
	state *stateStore

	mu    sync.Mutex
	procs map[string]*proc
	wg    sync.WaitGroup

	// beforeRespawn runs after the restart backoff, before the new process
	// is spawned. Tests use it to interleave a stop.
	beforeRespawn func(p *proc)
}

// instance is one OS process of a component.
type instance struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	err  error
}

// proc is a supervised component across restarts.
type proc struct {
	comp     Component
	record   Record
	inst     *instance
	quit     chan struct{}
	quitOnce sync.Once
}

func (p *proc) stop() {
	p.quitOnce.Do(func() { close(p.quit) })
}

func (p *proc) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// New creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Manifest == nil {
		return nil, fmt.Errorf("%s - a manifest is required", logPrefix)
	}
	opts.Manifest.applyDefaults()
	if opts.StateDir == "" {
		opts.StateDir = "run"
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 100 * time.Millisecond
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 500 * time.Millisecond
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 2 * time.Second}
	}
	return &Supervisor{opts: opts, state: newStateStore(opts.StateDir), procs: make(map[string]*proc)}, nil
}

// StartAll starts every component in manifest order. It stops at the first
// component that fails to become ready and returns what was started.
func (s *Supervisor) StartAll(ctx context.Context) ([]Record, error) {
	var started []Record
	for _, c := range s.opts.Manifest.Components {
		r, err := s.Start(ctx, c.Name)
		if err != nil {
			return started, err
		}
		started = append(started, r)
	}
	return started, nil
}

// Start launches the named component and waits until it is ready. A
// component that is already running is not an error: its record is returned.
func (s *Supervisor) Start(ctx context.Context, name string) (Record, error) {
	comp, ok := s.opts.Manifest.Component(name)
	if !ok {
		return Record{}, fmt.Errorf("%s - unknown component %q", logPrefix, name)
	}

	if r, ok := s.running(name); ok {
		slog.Warn(fmt.Sprintf("%s - %s (%s) is already running as pid %d, handle %s", logPrefix, comp.Label, name, r.PID, r.Handle))
		return r, nil
	}

	handle := uuid.NewString()
	inst, err := s.spawn(comp, handle)
	if err != nil {
		return Record{}, err
	}
	p := &proc{
		comp:   comp,
		record: Record{Handle: handle, Name: comp.Name, Label: comp.Label, PID: inst.pid, Started: time.Now().UTC()},
		inst:   inst,
		quit:   make(chan struct{}),
	}
	record := p.record
	s.mu.Lock()
	s.procs[handle] = p
	s.mu.Unlock()
	if err := s.state.put(record); err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	}

	s.wg.Add(1)
	go s.monitor(p, inst)

	if err := s.waitReady(ctx, comp, inst); err != nil {
		_ = s.stopRecord(context.Background(), record)
		return Record{}, fmt.Errorf("%s - %s did not start: %w", logPrefix, comp.Label, err)
	}
	slog.Info(fmt.Sprintf("%s - %s ready (pid %d, handle %s)", logPrefix, comp.Label, inst.pid, handle))

	s.mu.Lock()
	defer s.mu.Unlock()
	return p.record, nil
}

// running finds a live instance of name, owned here or recorded by another
// supervisor.
func (s *Supervisor) running(name string) (Record, bool) {
	s.mu.Lock()
	for _, p := range s.procs {
		if p.comp.Name == name && !p.stopping() {
			r := p.record
			s.mu.Unlock()
			return r, true
		}
	}
	s.mu.Unlock()

	records, err := s.state.load()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
		return Record{}, false
	}
	for _, r := range records {
		if r.Name == name && alive(r.PID) {
			return r, true
		}
	}
	return Record{}, false
}

func (s *Supervisor) spawn(comp Component, handle string) (*instance, error) {
	cmd := exec.Command(comp.Command[0], comp.Command[1:]...)
	cmd.Args[0] = comp.Label
	cmd.Dir = comp.Dir
	cmd.Env = append(os.Environ(), LabelEnv+"="+comp.Label, HandleEnv+"="+handle)
	for k, v := range comp.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s - failed to start %s: %w", logPrefix, comp.Label, err)
	}
	slog.Info(fmt.Sprintf("%s - Started %s (pid %d)", logPrefix, comp.Label, cmd.Process.Pid))
	return &instance{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}, nil
}

// monitor reaps the component and applies its restart policy.
func (s *Supervisor) monitor(p *proc, inst *instance) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RestartBackoff
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(b, uint64(p.comp.MaxRestarts))

	for {
		inst.err = inst.cmd.Wait()
		close(inst.done)
		if p.stopping() {
			return
		}

		if inst.err == nil || p.comp.Restart != RestartOnFailure {
			slog.Warn(fmt.Sprintf("%s - %s exited (%v)", logPrefix, p.comp.Label, exitDescription(inst.err)))
			s.forget(p)
			return
		}
		if !s.recorded(p.record.Handle) {
			slog.Info(fmt.Sprintf("%s - %s was stopped by another supervisor", logPrefix, p.comp.Label))
			s.forget(p)
			return
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			slog.Error(fmt.Sprintf("%s - %s keeps failing (%v), giving up after %d restarts", logPrefix, p.comp.Label, inst.err, p.comp.MaxRestarts))
			s.forget(p)
			return
		}
		slog.Warn(fmt.Sprintf("%s - %s failed (%v), restarting in %s", logPrefix, p.comp.Label, inst.err, wait))
		select {
		case <-time.After(wait):
		case <-p.quit:
			return
		}

		if s.beforeRespawn != nil {
			s.beforeRespawn(p)
		}
		next, err := s.spawn(p.comp, p.record.Handle)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
			s.forget(p)
			return
		}

		// A stop that ran during the backoff or the spawn has already
		// dropped the record; the new process must not outlive it.
		s.mu.Lock()
		if p.stopping() {
			s.mu.Unlock()
			s.discard(p, next)
			return
		}
		p.inst = next
		p.record.PID = next.pid
		err = s.state.put(p.record)
		s.mu.Unlock()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
		}
		inst = next
	}
}

// discard terminates a process spawned for a component that was stopped
// while it restarted, and reaps it.
func (s *Supervisor) discard(p *proc, inst *instance) {
	slog.Info(fmt.Sprintf("%s - %s was stopped during restart, terminating pid %d", logPrefix, p.comp.Label, inst.pid))
	go func() {
		inst.err = inst.cmd.Wait()
		close(inst.done)
	}()
	if err := terminateGroup(inst.pid); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to signal %s: %v", logPrefix, p.comp.Label, err))
	}
	if waitExit(context.Background(), inst.pid, inst.done, s.opts.Manifest.StopGrace) {
		return
	}
	if err := killGroup(inst.pid); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to kill %s: %v", logPrefix, p.comp.Label, err))
	}
	<-inst.done
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (s *Supervisor) recorded(handle string) bool {
	records, err := s.state.load()
	if err != nil {
		return true
	}
	for _, r := range records {
		if r.Handle == handle {
			return true
		}
	}
	return false
}

func (s *Supervisor) forget(p *proc) {
	s.mu.Lock()
	delete(s.procs, p.record.Handle)
	s.mu.Unlock()
	if err := s.state.remove(p.record.Handle); err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	}
}

func (s *Supervisor) waitReady(ctx context.Context, comp Component, inst *instance) error {
	if comp.HealthURL == "" {
		select {
		case <-time.After(comp.SettleDelay):
			return nil
		case <-inst.done:
			return fmt.Errorf("exited during settle delay: %v", exitDescription(inst.err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, comp.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		if s.probe(ctx, comp.HealthURL) {
			return nil
		}
		select {
		case <-inst.done:
			return fmt.Errorf("exited before becoming ready: %v", exitDescription(inst.err))
		case <-ctx.Done():
			return fmt.Errorf("not ready within %s: %w", comp.ReadyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates every recorded component whose handle, name or label is
// target. Only their process groups are signalled.
func (s *Supervisor) Stop(ctx context.Context, target string) ([]Record, error) {
	records, err := s.state.load()
	if err != nil {
		return nil, err
	}
	var matched []Record
	for _, r := range records {
		if r.Matches(target) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("%s - %q: %w", logPrefix, target, ErrNotRunning)
	}

	var errs []error
	for _, r := range matched {
		if err := s.stopRecord(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return matched, errors.Join(errs...)
}

// StopAll stops every recorded component in reverse start order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	records, err := s.state.load()
	if err != nil {
		return err
	}
	var errs []error
	for i := len(records) - 1; i >= 0; i-- {
		if err := s.stopRecord(ctx, records[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stopRecord(ctx context.Context, r Record) error {
	s.mu.Lock()
	p := s.procs[r.Handle]
	var done chan struct{}
	pid := r.PID
	if p != nil {
		p.stop()
		done = p.inst.done
		pid = p.inst.pid
	}
	s.mu.Unlock()

	// Drop the record first so a supervisor in another process does not
	// restart what is being stopped.
	if err := s.state.remove(r.Handle); err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	}
	defer func() {
		s.mu.Lock()
		delete(s.procs, r.Handle)
		s.mu.Unlock()
	}()

	if done == nil && !alive(pid) {
		slog.Info(fmt.Sprintf("%s - %s (pid %d) was not running", logPrefix, r.Label, pid))
		return nil
	}
	if err := terminateGroup(pid); err != nil {
		return fmt.Errorf("%s - failed to signal %s: %w", logPrefix, r.Label, err)
	}
	if waitExit(ctx, pid, done, s.opts.Manifest.StopGrace) {
		slog.Info(fmt.Sprintf("%s - Stopped %s (pid %d)", logPrefix, r.Label, pid))
		return nil
	}

	slog.Warn(fmt.Sprintf("%s - %s ignored SIGTERM, killing", logPrefix, r.Label))
	if err := killGroup(pid); err != nil {
		return fmt.Errorf("%s - failed to kill %s: %w", logPrefix, r.Label, err)
	}
	if !waitExit(context.Background(), pid, done, 2*time.Second) {
		return fmt.Errorf("%s - %s (pid %d) survived SIGKILL", logPrefix, r.Label, pid)
	}
	return nil
}

// waitExit waits for done, or for pid to disappear when done is nil.
func waitExit(ctx context.Context, pid int, done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if done == nil && !alive(pid) {
			return true
		}
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

// Status reports every manifest component plus any recorded extras.
func (s *Supervisor) Status(ctx context.Context) ([]ComponentStatus, error) {
	records, err := s.state.load()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Record, len(records))
	for _, r := range records {
		byName[r.Name] = r
	}

	var out []ComponentStatus
	seen := make(map[string]bool)
	add := func(name, label, healthURL string) {
		st := ComponentStatus{Name: name, Label: label}
		if r, ok := byName[name]; ok {
			st.Handle, st.PID, st.Started = r.Handle, r.PID, r.Started
			st.Running = alive(r.PID)
			st.Ready = st.Running
			if st.Running && healthURL != "" {
				probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				st.Ready = s.probe(probeCtx, healthURL)
				cancel()
			}
		}
		seen[name] = true
		out = append(out, st)
	}
	for _, c := range s.opts.Manifest.Components {
		add(c.Name, c.Label, c.HealthURL)
	}
	for _, r := range records {
		if !seen[r.Name] {
			add(r.Name, r.Label, "")
		}
	}
	return out, nil
}

// Wait blocks until every monitored process has been reaped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
