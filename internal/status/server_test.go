package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cgast/autonomy/pkg/bus"
	"github.com/cgast/autonomy/pkg/cycle"
	"github.com/cgast/autonomy/pkg/gate"
	"github.com/cgast/autonomy/pkg/persistence"
	"github.com/cgast/autonomy/pkg/plugin"
	"github.com/cgast/autonomy/pkg/trigger"
)

type fakeProvider struct {
	st EngineStatus
}

func (f fakeProvider) Status() EngineStatus { return f.st }

func newTestServer(t *testing.T) (*Server, *bus.Bus) {
	t.Helper()
	b := bus.New(50)
	plugins := plugin.NewManager(t.TempDir(), b)
	triggers := trigger.NewRegistry(nil)
	_, err := triggers.Register(trigger.Config{
		ID: "t1", Name: "sample", Kind: trigger.Event, Pattern: "code:change:*",
		Action: "runSecuritySweep", Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	provider := fakeProvider{st: EngineStatus{
		State:        persistence.Running,
		HDMLevel:     gate.Medium,
		StartedAt:    time.Now().Add(-time.Minute),
		LastCycleRun: map[cycle.Kind]*time.Time{},
	}}
	s := New(provider, b, plugins, triggers, nil)
	return s, b
}

func TestHandleStatusReportsEngineProjection(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != string(persistence.Running) {
		t.Errorf("state = %v, want %v", body["state"], persistence.Running)
	}
}

func TestHandleTriggersListsRegistered(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/triggers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var triggers []trigger.Trigger
	if err := json.NewDecoder(resp.Body).Decode(&triggers); err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 1 || triggers[0].ID != "t1" {
		t.Errorf("triggers = %+v, want one trigger t1", triggers)
	}
}

func TestApprovalRequestReplacesAndResolves(t *testing.T) {
	s, b := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	b.Emit("autonomy:approval:required", gate.RequiredNotice{Subject: "first", RequiredLevel: gate.High, EngineLevel: gate.Low})
	b.Emit("autonomy:approval:required", gate.RequiredNotice{Subject: "second", RequiredLevel: gate.Critical, EngineLevel: gate.Low})

	resp, err := http.Get(srv.URL + "/api/approval")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Pending *ApprovalRequest `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if body.Pending == nil || body.Pending.Subject != "second" {
		t.Fatalf("pending = %+v, want subject 'second'", body.Pending)
	}

	resolved := make(chan Decision, 1)
	b.On("autonomy:approval:granted", func(ev bus.Event) error {
		resolved <- ev.Data.(Decision)
		return nil
	})

	approveResp, err := http.Post(srv.URL+"/api/approve", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	approveResp.Body.Close()

	select {
	case d := <-resolved:
		if d.Subject != "second" || !d.Approved {
			t.Errorf("decision = %+v, want subject 'second' approved", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution event")
	}

	resp2, err := http.Get(srv.URL + "/api/approval")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var body2 struct {
		Pending *ApprovalRequest `json:"pending"`
	}
	json.NewDecoder(resp2.Body).Decode(&body2)
	if body2.Pending != nil {
		t.Errorf("pending = %+v, want nil after resolution", body2.Pending)
	}
}

func TestApproveWithNoPendingReportsNoPendingApproval(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/reject", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "no_pending_approval" {
		t.Errorf("status = %q, want no_pending_approval", body["status"])
	}
}
