package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PionFactory builds peer connections on pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// NewPionFactory returns a factory using the default codecs and the given
// ICE servers.
func NewPionFactory(iceServers []webrtc.ICEServer, logger *slog.Logger) (*PionFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{ICEServers: iceServers},
		logger: logger,
	}, nil
}

// NewPeerConnection implements Factory.
func (f *PionFactory) NewPeerConnection(remoteUserID string, cb Callbacks) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		cb.OnICECandidate(Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if cb.OnConnectionState != nil {
			cb.OnConnectionState(transportState(s))
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(remote.ID(), remote.Kind().String())
		}
		// Media is not played back; keep the receive buffers drained.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	f.logger.Debug("pion peer connection created", "remote", remoteUserID)
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (Description, error) {
	sd, err := c.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (c *pionConn) CreateAnswer() (Description, error) {
	sd, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (c *pionConn) SetLocalDescription(d Description) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (c *pionConn) SetRemoteDescription(d Description) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (c *pionConn) AddICECandidate(cand Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *pionConn) AddTrack(t Track) error {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("track %s is not a pion local track", t.ID())
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return err
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConn) SignalingState() SignalingState {
	switch c.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return SignalingStable
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return SignalingClosed
	default:
		return SignalingOther
	}
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func transportState(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	default:
		return TransportNew
	}
}

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// NewSilentAudioTrack returns an Opus track for StreamSilence.
func NewSilentAudioTrack(id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, streamID)
}

// StreamSilence writes silent frames to track every 20ms until ctx ends.
// Writes before the track is bound to a connection are discarded by pion.
func StreamSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				return fmt.Errorf("write silence: %w", err)
			}
		}
	}
}
