package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/rhizocam/internal/models"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishImage(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishImage(models.ImageRecord{MessageIdentifier: "m-100", CameraIdentifier: "cam-1", Path: "images/cam-1/m-100.jpg@v1"})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.HasPrefix(s, "id: 1\n") {
			t.Errorf("missing event id in %q", s)
		}
		if !strings.Contains(s, "event: image.ingested") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"messageIdentifier":"m-100"`) || !strings.Contains(s, `"cameraIdentifier":"cam-1"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishFileVersion(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishFileVersion(models.FileRecord{Path: "a.txt", FileVersion: "v3", Size: 9})
	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: file.versioned") || !strings.Contains(s, `"file_version":"v3"`) {
			t.Errorf("unexpected message %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestIngestProgressAggregates(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishImage(models.ImageRecord{MessageIdentifier: "a", CameraIdentifier: "cam-1"})
	b.PublishImage(models.ImageRecord{MessageIdentifier: "b", CameraIdentifier: "cam-1"})
	b.PublishImage(models.ImageRecord{MessageIdentifier: "c", CameraIdentifier: "cam-2"})

	deadline := time.After(2 * time.Second)
	images := 0
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			if strings.Contains(s, "event: image.ingested") {
				images++
				continue
			}
			if !strings.Contains(s, "event: ingest.progress") || !strings.Contains(s, `"images":3`) {
				t.Fatalf("unexpected progress %q", s)
			}
			if images != 3 {
				t.Fatalf("image events = %d, want 3 before progress", images)
			}
			return
		case <-deadline:
			t.Fatal("no ingest.progress event")
		}
	}
}

// syncRecorder guards the recorder body, which ServeHTTP writes concurrently.
type syncRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *syncRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Body.String()
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	b.keepAlive = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req = req.WithContext(ctx)
	w := &syncRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishFileVersion(models.FileRecord{Path: "x.csv", FileVersion: "v1"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.body()
	if !strings.Contains(body, "event: file.versioned") {
		t.Errorf("handler output missing event: %q", body)
	}
	if !strings.Contains(body, ": ping") {
		t.Errorf("handler output missing keep-alive: %q", body)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Buffer holds 64; the rest must be dropped without blocking.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	b.PublishImage(models.ImageRecord{MessageIdentifier: "late"})
	b.PublishFileVersion(models.FileRecord{Path: "late"})
}
