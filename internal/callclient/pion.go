package callclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/vitacall/call-relay/internal/call"
	"github.com/vitacall/call-relay/internal/protocol"
)

// PionConnector is the production PeerConnector, backed by pion/webrtc.
type PionConnector struct {
	api *webrtc.API
}

func NewPionConnector(logger *slog.Logger) (*PionConnector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{LoggerFactory: &slogLoggerFactory{log: logger}}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return &PionConnector{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)),
	}, nil
}

func (f *PionConnector) NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

// localTrackSource is what pion-backed tracks implement on top of Track so
// the peer adapter can reach the underlying webrtc.TrackLocal.
type localTrackSource interface {
	Track
	Local() webrtc.TrackLocal
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*pionSender
}

func (p *pionPeer) AddTrack(t Track) (TrackSender, error) {
	src, ok := t.(localTrackSource)
	if !ok {
		return nil, fmt.Errorf("track %s is not pion-backed", t.ID())
	}
	rtp, err := p.pc.AddTrack(src.Local())
	if err != nil {
		return nil, err
	}
	s := &pionSender{rtp: rtp, track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *pionPeer) Senders() []TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackSender, len(p.senders))
	for i, s := range p.senders {
		out[i] = s
	}
	return out
}

func (p *pionPeer) RemoveSender(s TrackSender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return fmt.Errorf("foreign sender")
	}
	p.mu.Lock()
	for i, have := range p.senders {
		if have == ps {
			p.senders = append(p.senders[:i], p.senders[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	return p.pc.RemoveTrack(ps.rtp)
}

func (p *pionPeer) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return call.SessionDescription{}, err
	}
	// Trickle ICE: candidates follow via OnICECandidate, no gathering wait.
	return protocol.SDPFromPion(offer), nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return call.SessionDescription{}, err
	}
	return protocol.SDPFromPion(answer), nil
}

func (p *pionPeer) SetRemoteDescription(desc call.SessionDescription) error {
	pionDesc, err := protocol.SDPToPion(desc)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(pionDesc)
}

func (p *pionPeer) AddICECandidate(c protocol.Candidate) error {
	return p.pc.AddICECandidate(c.ToPion())
}

func (p *pionPeer) OnICECandidate(fn func(c protocol.Candidate)) {
	p.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return // gathering finished
		}
		fn(protocol.CandidateFromPion(ic.ToJSON()))
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	rtp *webrtc.RTPSender

	mu    sync.Mutex
	track Track
}

func (s *pionSender) Track() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *pionSender) ReplaceTrack(t Track) error {
	src, ok := t.(localTrackSource)
	if !ok {
		return fmt.Errorf("track %s is not pion-backed", t.ID())
	}
	if err := s.rtp.ReplaceTrack(src.Local()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

// slogLoggerFactory bridges pion's logging into slog so pion internals land
// in the same structured stream as everything else.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{})  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{})  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) { l.log.Error(fmt.Sprintf(format, args...)) }
