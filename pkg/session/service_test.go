package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crossview/crossview/pkg/logger"
)

type fakeController struct {
	mu        sync.Mutex
	provision error
	stops     []string
	stopFails bool
}

func (f *fakeController) Provision(_ context.Context, sessionID, _ string) (string, string, int, error) {
	if f.provision != nil {
		return "", "", 0, f.provision
	}
	return "cnt-" + sessionID, "127.0.0.1:49200", 49200, nil
}

func (f *fakeController) Stop(_ context.Context, sessionID string) bool {
	f.mu.Lock()
	f.stops = append(f.stops, sessionID)
	f.mu.Unlock()
	return !f.stopFails
}

func (f *fakeController) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func testService(t *testing.T, ctrl *fakeController) (*Service, *Registry) {
	t.Helper()
	r, err := OpenRegistry("file::memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return NewService(r, ctrl, logger.Default()), r
}

func TestCreateRunsSession(t *testing.T) {
	svc, _ := testService(t, &fakeController{})

	sess, err := svc.Create(context.Background(), "chrome")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != Running {
		t.Fatalf("status = %s, want %s", sess.Status, Running)
	}
	if sess.Endpoint == "" || sess.ContainerID == "" {
		t.Fatalf("running session missing endpoint or container: %+v", sess)
	}
}

func TestCreateRejectsUnknownVariant(t *testing.T) {
	ctrl := &fakeController{}
	svc, _ := testService(t, ctrl)

	if _, err := svc.Create(context.Background(), "netscape"); !errors.Is(err, ErrUnknownBrowser) {
		t.Fatalf("err = %v, want ErrUnknownBrowser", err)
	}
	if ctrl.stopCount() != 0 {
		t.Fatal("nothing should have been provisioned")
	}
}

func TestProvisionFailureLeavesErrorState(t *testing.T) {
	ctrl := &fakeController{provision: errors.New("readiness probe timed out")}
	svc, _ := testService(t, ctrl)

	_, err := svc.Create(context.Background(), "chrome")
	if err == nil {
		t.Fatal("expected provisioning error")
	}

	list, err := svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("sessions = %d, want the failed one to stay visible", len(list))
	}
	// the record survives in the error state instead of vanishing
	got, err := svc.Get(list[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != Error {
		t.Fatalf("status = %s, want %s", got.Status, Error)
	}
}

func TestStopIdempotent(t *testing.T) {
	ctrl := &fakeController{}
	svc, _ := testService(t, ctrl)

	sess, err := svc.Create(context.Background(), "chrome")
	if err != nil {
		t.Fatal(err)
	}
	if err = svc.Stop(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	if err = svc.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := ctrl.stopCount(); got != 1 {
		t.Fatalf("container stops = %d, want 1", got)
	}
	if err = svc.Stop(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStopAfterProvisionFailure(t *testing.T) {
	ctrl := &fakeController{provision: errors.New("readiness probe timed out")}
	svc, _ := testService(t, ctrl)

	if _, err := svc.Create(context.Background(), "chrome"); err == nil {
		t.Fatal("expected provisioning error")
	}
	list, err := svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != Error {
		t.Fatalf("sessions = %+v, want one errored", list)
	}

	// the environment is already rolled back, so stop succeeds with
	// nothing to do
	if err := svc.Stop(context.Background(), list[0].ID); err != nil {
		t.Fatalf("stopping an errored session: %v", err)
	}
	if got := ctrl.stopCount(); got != 0 {
		t.Fatalf("container stops = %d, want 0", got)
	}
	got, err := svc.Get(list[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != Error {
		t.Fatalf("status = %s, want %s", got.Status, Error)
	}
}

func TestSweepStopsIdleSessions(t *testing.T) {
	ctrl := &fakeController{}
	svc, reg := testService(t, ctrl)

	old, err := svc.Create(context.Background(), "chrome")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := svc.Create(context.Background(), "firefox")
	if err != nil {
		t.Fatal(err)
	}
	if err = reg.Touch(old.ID, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err = reg.Touch(fresh.ID, time.Now().Add(-5*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if stopped := svc.Sweep(context.Background(), time.Hour); stopped != 1 {
		t.Fatalf("sweep stopped %d sessions, want 1", stopped)
	}
	got, _ := svc.Get(old.ID)
	if got.Status != Stopped {
		t.Fatalf("idle session status = %s, want %s", got.Status, Stopped)
	}
	got, _ = svc.Get(fresh.ID)
	if got.Status != Running {
		t.Fatalf("active session status = %s, want %s", got.Status, Running)
	}
}

func TestSweepSurvivesStopFailure(t *testing.T) {
	ctrl := &fakeController{stopFails: true}
	svc, reg := testService(t, ctrl)

	sess, err := svc.Create(context.Background(), "chrome")
	if err != nil {
		t.Fatal(err)
	}
	if err = reg.Touch(sess.ID, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if stopped := svc.Sweep(context.Background(), time.Hour); stopped != 0 {
		t.Fatalf("sweep stopped %d sessions despite stop failures", stopped)
	}
	// session stays running and will be retried by the next sweep
	got, _ := svc.Get(sess.ID)
	if got.Status != Running {
		t.Fatalf("status = %s, want %s", got.Status, Running)
	}
}
