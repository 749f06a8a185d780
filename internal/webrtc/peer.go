// Package webrtc drives a pion PeerConnection on behalf of the negotiator
// and exposes the resulting data channel as a channel.Channel.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/NoelleStern/Tappi-share/internal/channel"
	"github.com/NoelleStern/Tappi-share/internal/config"
	"github.com/NoelleStern/Tappi-share/internal/utils"
)

const (
	DefaultLabel     = "tappi"
	DefaultQueueSize = 1024
)

// Options tune a Peer. The side that creates the offer also creates the
// data channel; the other side waits for it, so one Peer serves either role.
type Options struct {
	// Trickle sends candidates as they are found. Without it descriptions
	// are returned only after gathering completes and carry every candidate.
	Trickle bool

	Label     string
	QueueSize int
}

// Peer implements negotiator.Peer on top of pion.
type Peer struct {
	pc   *pion.PeerConnection
	opts Options
	log  *logrus.Entry

	candidates chan string
	ready      chan channel.Channel
	failed     chan error
	closed     chan struct{}

	mu        sync.Mutex
	dc        *DataChannel
	closeOnce sync.Once
	failOnce  sync.Once
}

func NewPeer(cfg *config.Config, opts Options) (*Peer, error) {
	if opts.Label == "" {
		opts.Label = DefaultLabel
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		pc:         pc,
		opts:       opts,
		log:        logrus.WithField("label", opts.Label),
		candidates: make(chan string, 64),
		ready:      make(chan channel.Channel, 1),
		failed:     make(chan error, 1),
		closed:     make(chan struct{}),
	}

	pc.OnICECandidate(p.onCandidate)
	pc.OnConnectionStateChange(p.onStateChange)

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() != opts.Label {
			p.log.WithField("remote_label", dc.Label()).Warn("Ignoring unexpected data channel")
			return
		}
		p.attach(dc)
	})

	return p, nil
}

func newPeerConnection(cfg *config.Config) (*pion.PeerConnection, error) {
	var iceServers []pion.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		iceServers = append(iceServers, pion.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil {
		if cfg.RelayOnly {
			policy = pion.ICETransportPolicyRelay
		} else if iface, ok := utils.RelayHint(); ok {
			logrus.WithField("interface", iface).Info("Tunnel or CGNAT interface found, relaying through TURN")
			policy = pion.ICETransportPolicyRelay
		}
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

func (p *Peer) attach(dc *pion.DataChannel) {
	ch := newDataChannel(dc, p.pc, p.opts.QueueSize)

	p.mu.Lock()
	p.dc = ch
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.WithField("label", dc.Label()).Debug("Data channel open")
		select {
		case p.ready <- ch:
		default:
		}
	})
}

func (p *Peer) onCandidate(c *pion.ICECandidate) {
	if c == nil || !p.opts.Trickle {
		return
	}

	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		p.log.WithError(err).Warn("Could not encode candidate")
		return
	}

	select {
	case p.candidates <- string(raw):
	case <-p.closed:
	}
}

func (p *Peer) onStateChange(state pion.PeerConnectionState) {
	p.log.WithField("state", state.String()).Debug("Peer connection state")

	if state != pion.PeerConnectionStateFailed && state != pion.PeerConnectionStateClosed {
		return
	}

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc != nil {
		dc.shutdown()
	}

	if state == pion.PeerConnectionStateFailed {
		p.failOnce.Do(func() {
			p.failed <- errors.New("peer connection failed")
		})
	}
}

// describe sets the local description and, without trickle, waits for
// gathering so the returned SDP carries every candidate.
func (p *Peer) describe(ctx context.Context, desc pion.SessionDescription) (string, error) {
	var gathered <-chan struct{}
	if !p.opts.Trickle {
		gathered = pion.GatheringCompletePromise(p.pc)
	}

	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	p.mu.Lock()
	opened := p.dc != nil
	p.mu.Unlock()
	if !opened {
		ordered := true
		dc, err := p.pc.CreateDataChannel(p.opts.Label, &pion.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return "", fmt.Errorf("create data channel: %w", err)
		}
		p.attach(dc)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return p.describe(ctx, offer)
}

func (p *Peer) CreateAnswer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return p.describe(ctx, answer)
}

func (p *Peer) SetAnswer(answer string) error {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *Peer) AddCandidate(candidate string) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (p *Peer) Candidates() <-chan string     { return p.candidates }
func (p *Peer) Ready() <-chan channel.Channel { return p.ready }
func (p *Peer) Failed() <-chan error          { return p.failed }

// Close tears the connection down. A channel already handed out is closed
// with it.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}
