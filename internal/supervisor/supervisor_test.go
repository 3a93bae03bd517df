package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

const testPrefix = "supervisor:supervisor_test"

const helperEnv = "SUPERVISOR_TEST_HELPER"

// TestMain doubles as the supervised component when helperEnv is set.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		serveUntilSignal(nil, syscall.SIGTERM, syscall.SIGINT)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		serveUntilSignal(nil, syscall.SIGINT)
	case "crash-once":
		marker := os.Getenv("HELPER_MARKER")
		if _, err := os.Stat(marker); err != nil {
			_ = os.WriteFile(marker, nil, 0o644)
			serveUntilSignal(time.After(time.Second), syscall.SIGTERM)
			os.Exit(3)
		}
		serveUntilSignal(nil, syscall.SIGTERM)
	}
	os.Exit(0)
}

// serveUntilSignal answers /ready on HELPER_ADDR until one of sigs arrives
// or crash fires.
func serveUntilSignal(crash <-chan time.Time, sigs ...os.Signal) {
	if addr := os.Getenv("HELPER_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, os.Getenv(LabelEnv))
		})
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			os.Exit(2)
		}
		go http.Serve(ln, mux)
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, sigs...)
	select {
	case <-sig:
	case <-crash:
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func helper(t *testing.T, name, label, mode string) Component {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	addr := freeAddr(t)
	return Component{
		Name:         name,
		Label:        label,
		Command:      []string{exe},
		Env:          map[string]string{helperEnv: mode, "HELPER_ADDR": addr},
		HealthURL:    "http://" + addr + "/ready",
		ReadyTimeout: 10 * time.Second,
	}
}

func newTestSupervisor(t *testing.T, dir string, comps ...Component) *Supervisor {
	t.Helper()
	s, err := New(Options{
		Manifest:       &Manifest{Components: comps, StopGrace: 2 * time.Second},
		StateDir:       dir,
		ProbeInterval:  20 * time.Millisecond,
		RestartBackoff: 50 * time.Millisecond,
		Stdout:         io.Discard,
		Stderr:         io.Discard,
	})
	if err != nil {
		t.Fatalf("%s - New: %v", testPrefix, err)
	}
	t.Cleanup(func() {
		_ = s.StopAll(context.Background())
		s.Wait()
	})
	return s
}

func ready(url string) bool {
	c := http.Client{Timeout: time.Second}
	resp, err := c.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func TestSelectiveShutdown(t *testing.T) {
	dir := t.TempDir()
	agent := helper(t, "agent", "Command Server", "serve")
	gateway := helper(t, "gateway", "Remote Bridge", "serve")
	bridge := helper(t, "bridge", "UI Bridge", "serve")
	s := newTestSupervisor(t, dir, agent, gateway, bridge)
	ctx := context.Background()

	started, err := s.StartAll(ctx)
	if err != nil {
		t.Fatalf("%s - StartAll: %v", testPrefix, err)
	}
	if len(started) != 3 {
		t.Fatalf("%s - started %d components", testPrefix, len(started))
	}
	for _, c := range []Component{agent, gateway, bridge} {
		if !ready(c.HealthURL) {
			t.Fatalf("%s - %s not ready after StartAll", testPrefix, c.Label)
		}
	}

	stopped, err := s.Stop(ctx, "Command Server")
	if err != nil {
		t.Fatalf("%s - Stop: %v", testPrefix, err)
	}
	if len(stopped) != 1 || stopped[0].Name != "agent" {
		t.Fatalf("%s - stopped %+v", testPrefix, stopped)
	}

	if ready(agent.HealthURL) {
		t.Errorf("%s - Command Server still answering", testPrefix)
	}
	for _, c := range []Component{gateway, bridge} {
		if !ready(c.HealthURL) {
			t.Errorf("%s - %s went down with its sibling", testPrefix, c.Label)
		}
	}

	statuses, err := s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range statuses {
		wantUp := st.Name != "agent"
		if st.Running != wantUp || st.Ready != wantUp {
			t.Errorf("%s - status %s running=%v ready=%v, want %v", testPrefix, st.Label, st.Running, st.Ready, wantUp)
		}
	}
}

func TestStopFromAnotherSupervisor(t *testing.T) {
	dir := t.TempDir()
	gateway := helper(t, "gateway", "Remote Bridge", "serve")
	bridge := helper(t, "bridge", "UI Bridge", "serve")
	gateway.Restart = RestartOnFailure
	owner := newTestSupervisor(t, dir, gateway, bridge)
	ctx := context.Background()

	started, err := owner.StartAll(ctx)
	if err != nil {
		t.Fatalf("%s - StartAll: %v", testPrefix, err)
	}

	// A second supervisor sharing the state dir, as the stop command is.
	other := newTestSupervisor(t, dir, gateway, bridge)
	if _, err := other.Stop(ctx, started[0].Handle); err != nil {
		t.Fatalf("%s - Stop by handle: %v", testPrefix, err)
	}

	time.Sleep(300 * time.Millisecond)
	if ready(gateway.HealthURL) {
		t.Errorf("%s - gateway came back after an explicit stop", testPrefix)
	}
	if !ready(bridge.HealthURL) {
		t.Errorf("%s - bridge affected by stopping gateway", testPrefix)
	}
	if _, err := other.Stop(ctx, started[0].Handle); !errors.Is(err, ErrNotRunning) {
		t.Errorf("%s - second stop err = %v, want ErrNotRunning", testPrefix, err)
	}
}

func TestStartAlreadyRunningIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	agent := helper(t, "agent", "Command Server", "serve")
	s := newTestSupervisor(t, dir, agent)
	ctx := context.Background()

	first, err := s.Start(ctx, "agent")
	if err != nil {
		t.Fatalf("%s - Start: %v", testPrefix, err)
	}
	again, err := s.Start(ctx, "agent")
	if err != nil || again.Handle != first.Handle || again.PID != first.PID {
		t.Errorf("%s - second Start = %+v (%v), want %+v", testPrefix, again, err, first)
	}

	other := newTestSupervisor(t, dir, agent)
	seen, err := other.Start(ctx, "agent")
	if err != nil || seen.Handle != first.Handle {
		t.Errorf("%s - Start from another supervisor = %+v (%v)", testPrefix, seen, err)
	}

	if _, err := s.Start(ctx, "nope"); err == nil {
		t.Errorf("%s - unknown component should fail", testPrefix)
	}
}

func TestRestartOnFailure(t *testing.T) {
	dir := t.TempDir()
	c := helper(t, "agent", "Command Server", "crash-once")
	c.Env["HELPER_MARKER"] = filepath.Join(dir, "crashed")
	c.Restart = RestartOnFailure
	s := newTestSupervisor(t, dir, c)

	first, err := s.Start(context.Background(), "agent")
	if err != nil {
		t.Fatalf("%s - Start: %v", testPrefix, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var current Record
	for time.Now().Before(deadline) {
		current, _ = s.running("agent")
		if current.PID != 0 && current.PID != first.PID && ready(c.HealthURL) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if current.PID == first.PID || current.PID == 0 {
		t.Fatalf("%s - component was not restarted (pid %d)", testPrefix, current.PID)
	}
	if current.Handle != first.Handle {
		t.Errorf("%s - restart changed the handle: %s -> %s", testPrefix, first.Handle, current.Handle)
	}
}

func TestStopDuringRestartLeavesNothingRunning(t *testing.T) {
	dir := t.TempDir()
	c := helper(t, "agent", "Command Server", "crash-once")
	c.Env["HELPER_MARKER"] = filepath.Join(dir, "crashed")
	c.Restart = RestartOnFailure
	s := newTestSupervisor(t, dir, c)

	stopErr := make(chan error, 1)
	s.beforeRespawn = func(*proc) {
		_, err := s.Stop(context.Background(), "agent")
		stopErr <- err
	}

	if _, err := s.Start(context.Background(), "agent"); err != nil {
		t.Fatalf("%s - Start: %v", testPrefix, err)
	}

	select {
	case err := <-stopErr:
		if err != nil {
			t.Errorf("%s - Stop during restart: %v", testPrefix, err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("%s - component never reached its restart", testPrefix)
	}

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		t.Fatalf("%s - Wait blocked on a process spawned after Stop", testPrefix)
	}

	records, err := s.state.load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("%s - state still records %+v after Stop", testPrefix, records)
	}
	if _, ok := s.running("agent"); ok {
		t.Errorf("%s - agent still reported running", testPrefix)
	}
	if ready(c.HealthURL) {
		t.Errorf("%s - restarted process survived Stop", testPrefix)
	}
}

func TestReadinessTimeoutStopsComponent(t *testing.T) {
	dir := t.TempDir()
	c := helper(t, "agent", "Command Server", "serve")
	c.Env["HELPER_ADDR"] = ""
	c.ReadyTimeout = 300 * time.Millisecond
	s := newTestSupervisor(t, dir, c)

	start := time.Now()
	if _, err := s.Start(context.Background(), "agent"); err == nil {
		t.Fatalf("%s - Start should fail when the component never becomes ready", testPrefix)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("%s - readiness wait was not bounded: %v", testPrefix, time.Since(start))
	}
	if _, ok := s.running("agent"); ok {
		t.Errorf("%s - unready component left running", testPrefix)
	}
}

func TestSettleDelayWithoutHealthURL(t *testing.T) {
	dir := t.TempDir()
	c := helper(t, "worker", "Worker", "serve")
	c.HealthURL = ""
	c.SettleDelay = 50 * time.Millisecond
	s := newTestSupervisor(t, dir, c)

	r, err := s.Start(context.Background(), "worker")
	if err != nil {
		t.Fatalf("%s - Start: %v", testPrefix, err)
	}
	if !alive(r.PID) {
		t.Errorf("%s - worker not alive after settle delay", testPrefix)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	c := helper(t, "agent", "Command Server", "stubborn")
	s := newTestSupervisor(t, dir, c)
	s.opts.Manifest.StopGrace = 200 * time.Millisecond

	r, err := s.Start(context.Background(), "agent")
	if err != nil {
		t.Fatalf("%s - Start: %v", testPrefix, err)
	}
	if _, err := s.Stop(context.Background(), "agent"); err != nil {
		t.Fatalf("%s - Stop: %v", testPrefix, err)
	}
	if ready(c.HealthURL) || alive(r.PID) {
		t.Errorf("%s - stubborn component survived", testPrefix)
	}
}

func TestStopUnknown(t *testing.T) {
	s := newTestSupervisor(t, t.TempDir(), helper(t, "agent", "Command Server", "serve"))
	if _, err := s.Stop(context.Background(), "Command Server"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("%s - err = %v, want ErrNotRunning", testPrefix, err)
	}
}
