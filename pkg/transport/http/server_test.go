package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/labflow/pkg/api"
)

func TestServerShutdownClosesEventStreams(t *testing.T) {
	svc, _, _ := newTestServices(t, nil)
	srv := NewServer(svc, WithShutdownTimeout(5*time.Second), WithStreamKeepAlive(time.Hour))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- srv.ServeOn(ctx, ln) }()
	base := "http://" + ln.Addr().String()

	resp, err := http.Post(base+"/v1/sessions", "application/json", strings.NewReader(`{"protocol_id":"urine-volume","order_id":"ord_9"}`))
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	var sess api.Session
	err = json.NewDecoder(resp.Body).Decode(&sess)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session: status %d, err %v", resp.StatusCode, err)
	}

	stream, err := http.Get(base + "/v1/sessions/" + sess.ID + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("open stream: status %d", stream.StatusCode)
	}

	drained := make(chan struct{})
	go func() {
		io.Copy(io.Discard, stream.Body)
		close(drained)
	}()

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("ServeOn: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server still draining; the open stream held shutdown")
	}
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Error("stream body still open after shutdown")
	}
}

func TestServerRunRejectsBadAddr(t *testing.T) {
	svc, _, _ := newTestServices(t, nil)
	srv := NewServer(svc, WithAddr("127.0.0.1:-1"))
	if err := srv.Run(context.Background()); err == nil {
		t.Error("Run succeeded on an invalid address")
	}
}
