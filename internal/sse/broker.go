// Package sse streams ingestion notifications to dashboards as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/rhizocam/internal/models"
)

// Event types.
const (
	TypeImageIngested  = "image.ingested"
	TypeFileVersioned  = "file.versioned"
	TypeIngestProgress = "ingest.progress"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ImageData is the payload of an image.ingested event.
type ImageData struct {
	MessageIdentifier string    `json:"messageIdentifier"`
	CameraIdentifier  string    `json:"cameraIdentifier"`
	TakenAt           time.Time `json:"takenAt"`
	Path              string    `json:"path"`
}

// FileData is the payload of a file.versioned event.
type FileData struct {
	Path        string `json:"path"`
	FileVersion string `json:"file_version"`
	Size        int64  `json:"size"`
}

// ProgressData is the payload of an ingest.progress event.
type ProgressData struct {
	Images  int       `json:"images"`
	Cameras []string  `json:"cameras"`
	Since   time.Time `json:"since"`
}

// Broker manages SSE client connections and broadcasts events.
//
// A single internal event loop owns the client set and the progress
// aggregate; public methods talk to it through channels.
type Broker struct {
	progressEvery time.Duration
	keepAlive     time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	imageCh       chan models.ImageRecord
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that summarizes ingested images in an
// ingest.progress event at most once per progressEvery.
func NewBroker(progressEvery time.Duration) *Broker {
	if progressEvery <= 0 {
		progressEvery = 2 * time.Second
	}

	b := &Broker{
		progressEvery: progressEvery,
		keepAlive:     30 * time.Second,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		imageCh:       make(chan models.ImageRecord, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

type progress struct {
	images  int
	cameras map[string]struct{}
	since   time.Time
}

func (p *progress) add(rec models.ImageRecord) {
	if p.images == 0 {
		p.since = time.Now().UTC()
		p.cameras = make(map[string]struct{})
	}
	p.images++
	p.cameras[rec.CameraIdentifier] = struct{}{}
}

func (p *progress) flush() ProgressData {
	d := ProgressData{Images: p.images, Since: p.since, Cameras: make([]string, 0, len(p.cameras))}
	for c := range p.cameras {
		d.Cameras = append(d.Cameras, c)
	}
	*p = progress{}
	return d
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var seq uint64
	var pending progress
	ticker := time.NewTicker(b.progressEvery)
	defer ticker.Stop()

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than stall the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case rec := <-b.imageCh:
			broadcast(Event{Type: TypeImageIngested, Data: ImageData{
				MessageIdentifier: rec.MessageIdentifier,
				CameraIdentifier:  rec.CameraIdentifier,
				TakenAt:           rec.TakenAt,
				Path:              rec.Path,
			}})
			pending.add(rec)

		case <-ticker.C:
			if pending.images > 0 {
				broadcast(Event{Type: TypeIngestProgress, Data: pending.flush()})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishImage announces a newly ingested image and counts it towards the
// next ingest.progress event.
func (b *Broker) PublishImage(rec models.ImageRecord) {
	if b.closed.Load() {
		return
	}
	select {
	case b.imageCh <- rec:
	case <-b.stopped:
	}
}

// PublishFileVersion announces a new version in the files collection.
func (b *Broker) PublishFileVersion(rec models.FileRecord) {
	b.Publish(Event{Type: TypeFileVersioned, Data: FileData{
		Path:        rec.Path,
		FileVersion: rec.FileVersion,
		Size:        rec.Size,
	}})
}

// ServeHTTP is the SSE endpoint handler (GET /events). Idle connections
// receive a comment line every keep-alive interval.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
