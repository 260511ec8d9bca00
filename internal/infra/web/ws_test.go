//go:build !integration

package web

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkm-jobs/internal/domain/model"
)

func dialStream(t *testing.T, e *env, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/jobs/" + jobID + "/stream"
	header := http.Header{"Authorization": {"Bearer " + testAPIKey}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %+v)", err, resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (*frame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func TestStreamHandler(t *testing.T) {
	t.Run("should send the snapshot first and then live events", func(t *testing.T) {
		e := newEnv(t)
		e.createJob(t, "j1")
		conn := dialStream(t, e, "j1")

		snap, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("failed to read snapshot: %v", err)
		}
		if snap.Kind != "snapshot" || snap.Job == nil || snap.Job.Status != model.JobStatusPending {
			t.Fatalf("unexpected snapshot frame: %+v", snap)
		}

		resp := e.do(t, http.MethodPut, "/api/v1/jobs/j1/progress", progressRequest{Progress: 30, CurrentStage: "fetch"})
		resp.Body.Close()

		ev, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		if ev.Kind != "event" || ev.Event == nil || ev.Event.Progress != 30 {
			t.Fatalf("unexpected event frame: %+v", ev)
		}
	})

	t.Run("should close normally after the terminal event", func(t *testing.T) {
		e := newEnv(t)
		e.createJob(t, "j1")
		conn := dialStream(t, e, "j1")

		if _, err := readFrame(t, conn); err != nil {
			t.Fatalf("failed to read snapshot: %v", err)
		}

		resp := e.do(t, http.MethodPost, "/api/v1/jobs/j1/cancel", nil)
		resp.Body.Close()

		ev, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("failed to read terminal event: %v", err)
		}
		if ev.Event == nil || !ev.Event.Terminal || ev.Event.Status != model.JobStatusCancelled {
			t.Fatalf("expected a terminal cancelled event, got %+v", ev)
		}

		_, err = readFrame(t, conn)
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("expected a normal close after the terminal event, got %v", err)
		}
	})

	t.Run("should refuse streaming an unknown job", func(t *testing.T) {
		e := newEnv(t)
		url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/jobs/missing/stream"
		header := http.Header{"Authorization": {"Bearer " + testAPIKey}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		if err == nil {
			t.Fatal("expected the dial to fail for an unknown job")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected a 404 handshake response, got %+v", resp)
		}
		if resp != nil {
			resp.Body.Close()
		}
	})

	t.Run("should deliver the snapshot for an already terminal job and close", func(t *testing.T) {
		e := newEnv(t)
		e.createJob(t, "j1")
		resp := e.do(t, http.MethodPost, "/api/v1/jobs/j1/cancel", nil)
		resp.Body.Close()

		conn := dialStream(t, e, "j1")
		snap, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("failed to read snapshot: %v", err)
		}
		if snap.Job == nil || snap.Job.Status != model.JobStatusCancelled {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
		_, err = readFrame(t, conn)
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("expected an immediate normal close, got %v", err)
		}
	})
}
