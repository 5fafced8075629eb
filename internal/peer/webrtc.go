package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// WebRTCLink implements Link on a pion RTCPeerConnection.
//
// ICE is trickled: local candidates surface through OnCandidate as they are
// gathered, and remote candidates that arrive before the remote description
// is set are queued and applied once it resolves.
type WebRTCLink struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	onCandidate   func(json.RawMessage)
	onConnected   func()
	onFailure     func(error)
	connectedOnce sync.Once
}

// NewWebRTCLink builds the peer connection and attaches the given local
// tracks (camera/microphone).
func NewWebRTCLink(iceServers []webrtc.ICEServer, tracks []webrtc.TrackLocal) (*WebRTCLink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	for _, tr := range tracks {
		if _, err := pc.AddTrack(tr); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	l := &WebRTCLink{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		l.mu.Lock()
		fn := l.onCandidate
		l.mu.Unlock()
		if fn == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			l.mu.Lock()
			fn := l.onConnected
			l.mu.Unlock()
			if fn != nil {
				l.connectedOnce.Do(fn)
			}
		case webrtc.PeerConnectionStateFailed:
			l.mu.Lock()
			fn := l.onFailure
			l.mu.Unlock()
			if fn != nil {
				fn(fmt.Errorf("peer connection failed"))
			}
		}
	})

	return l, nil
}

func (l *WebRTCLink) OnCandidate(fn func(json.RawMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *WebRTCLink) OnConnected(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConnected = fn
}

func (l *WebRTCLink) OnFailure(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFailure = fn
}

func (l *WebRTCLink) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	_ = ctx
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (l *WebRTCLink) AcceptOffer(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	_ = ctx
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("sdp type must be offer, got %s", offer.Type)
	}
	if err := l.setRemote(offer); err != nil {
		return nil, err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (l *WebRTCLink) AcceptAnswer(ctx context.Context, payload json.RawMessage) error {
	_ = ctx
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("sdp type must be answer, got %s", answer.Type)
	}
	return l.setRemote(answer)
}

func (l *WebRTCLink) AddCandidate(payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	l.mu.Lock()
	if !l.remoteSet {
		// Remote description not in yet; hold the candidate.
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	return l.pc.AddICECandidate(init)
}

func (l *WebRTCLink) Close() error {
	return l.pc.Close()
}

// setRemote applies the remote description and flushes queued candidates.
func (l *WebRTCLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.remoteSet = true
	l.mu.Unlock()

	for _, init := range pending {
		// Best effort: a single stale candidate must not fail the call.
		_ = l.pc.AddICECandidate(init)
	}
	return nil
}
