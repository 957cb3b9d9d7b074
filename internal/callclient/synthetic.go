package callclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SyntheticMedia is a MediaDevices that fabricates pion-backed tracks
// emitting placeholder samples. It stands in for real capture hardware in
// the CLI harness and anywhere else a headless participant is useful.
type SyntheticMedia struct {
	frameInterval time.Duration
}

func NewSyntheticMedia() *SyntheticMedia {
	return &SyntheticMedia{frameInterval: 33 * time.Millisecond}
}

func (m *SyntheticMedia) GetUserMedia(_ context.Context, video, audio bool) ([]Track, error) {
	var tracks []Track
	if video {
		t, err := m.newTrack("video", webrtc.MimeTypeVP8, "camera")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if audio {
		t, err := m.newTrack("audio", webrtc.MimeTypeOpus, "microphone")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (m *SyntheticMedia) GetDisplayMedia(_ context.Context) (Track, error) {
	return m.newTrack("video", webrtc.MimeTypeVP8, "screen")
}

func (m *SyntheticMedia) newTrack(kind, mimeType, label string) (Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		label+"-"+uuid.NewString(),
		"vitacall-synthetic",
	)
	if err != nil {
		return nil, err
	}

	t := &syntheticTrack{
		id:      local.ID(),
		kind:    kind,
		local:   local,
		enabled: true,
		live:    true,
		stop:    make(chan struct{}),
	}
	go t.pump(m.frameInterval)
	return t, nil
}

type syntheticTrack struct {
	id    string
	kind  string
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	live    bool
	onEnded func()

	stop     chan struct{}
	stopOnce sync.Once
}

// pump writes placeholder samples until the track stops. Disabled tracks go
// silent instead of sending, mirroring a browser track with enabled=false.
func (t *syntheticTrack) pump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	payload := []byte{0x00}

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			_ = t.local.WriteSample(media.Sample{Data: payload, Duration: interval})
		}
	}
}

func (t *syntheticTrack) ID() string   { return t.id }
func (t *syntheticTrack) Kind() string { return t.kind }

func (t *syntheticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *syntheticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *syntheticTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.mu.Lock()
		t.live = false
		t.mu.Unlock()
	})
}

func (t *syntheticTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *syntheticTrack) Local() webrtc.TrackLocal { return t.local }
