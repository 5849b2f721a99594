package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/audio"
)

// EventsChannel is the label of the control data channel.
const EventsChannel = "oai-events"

const (
	defaultGatherTimeout = 5 * time.Second
	pcmuRate             = 8000
)

// PeerHandlers are the callbacks a Peer reports into. They may be called
// from any goroutine.
type PeerHandlers struct {
	OnOpen            func()
	OnClose           func()
	OnMessage         func(data []byte)
	OnConnectionState func(state string)
	OnAudio           func(pcm []byte)
}

// Peer is one media connection with its control data channel.
type Peer interface {
	// CreateOffer builds the local description and waits, bounded, for ICE
	// gathering to complete.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	Send(data []byte) error
	// WriteAudio sends 16 kHz PCM16 microphone audio.
	WriteAudio(pcm []byte) error
	Close() error
}

// PeerFactory creates peers.
type PeerFactory interface {
	NewPeer(h PeerHandlers) (Peer, error)
}

// PionFactory builds peers on pion with one PCMU send track and the events
// data channel.
type PionFactory struct {
	cfg           webrtc.Configuration
	gatherTimeout time.Duration
	logger        *zap.Logger
}

// NewPionFactory creates a factory using the given ICE server URLs.
func NewPionFactory(iceURLs []string, gatherTimeout time.Duration, logger *zap.Logger) *PionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherTimeout <= 0 {
		gatherTimeout = defaultGatherTimeout
	}
	cfg := webrtc.Configuration{}
	for _, u := range iceURLs {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return &PionFactory{cfg: cfg, gatherTimeout: gatherTimeout, logger: logger.With(zap.String("component", "peer"))}
}

// NewPeer creates a peer connection, its audio track and data channel.
func (f *PionFactory) NewPeer(h PeerHandlers) (Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		"audio", "microphone",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	// RTCP must be drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	dc, err := pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	p := &PionPeer{pc: pc, dc: dc, track: track, gatherTimeout: f.gatherTimeout, logger: f.logger}
	dc.OnOpen(func() {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	})
	dc.OnClose(func() {
		if h.OnClose != nil {
			h.OnClose()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h.OnMessage != nil {
			h.OnMessage(msg.Data)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(s.String())
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go p.readRemote(remote, h.OnAudio)
	})
	return p, nil
}

// PionPeer is a Peer backed by a pion PeerConnection.
type PionPeer struct {
	pc            *webrtc.PeerConnection
	dc            *webrtc.DataChannel
	track         *webrtc.TrackLocalStaticSample
	gatherTimeout time.Duration
	logger        *zap.Logger
	closeOnce     sync.Once
}

func (p *PionPeer) readRemote(remote *webrtc.TrackRemote, onAudio func([]byte)) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("remote track ended", zap.Error(err))
			}
			return
		}
		if onAudio != nil && len(pkt.Payload) > 0 {
			onAudio(audio.DecodeMuLaw(pkt.Payload))
		}
	}
}

// CreateOffer sets the local offer and returns it once gathering completes.
func (p *PionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		// Send what has been gathered; the connect timeout bounds the rest.
		p.logger.Warn("ice gathering incomplete, sending partial offer", zap.Duration("waited", p.gatherTimeout))
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

// SetAnswer applies the remote answer.
func (p *PionPeer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// Send writes a text message on the data channel.
func (p *PionPeer) Send(data []byte) error {
	return p.dc.SendText(string(data))
}

// WriteAudio resamples 16 kHz PCM16 to 8 kHz and writes it as PCMU.
func (p *PionPeer) WriteAudio(pcm []byte) error {
	ulaw := audio.EncodeMuLaw(audio.Downsample2(pcm))
	if len(ulaw) == 0 {
		return nil
	}
	return p.track.WriteSample(media.Sample{
		Data:     ulaw,
		Duration: time.Duration(len(ulaw)) * time.Second / pcmuRate,
	})
}

// Close tears down the connection. Safe to call more than once.
func (p *PionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}
