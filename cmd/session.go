package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/NoelleStern/Tappi-share/internal/channel"
	"github.com/NoelleStern/Tappi-share/internal/config"
	"github.com/NoelleStern/Tappi-share/internal/history"
	"github.com/NoelleStern/Tappi-share/internal/hub"
	"github.com/NoelleStern/Tappi-share/internal/negotiator"
	"github.com/NoelleStern/Tappi-share/internal/seal"
	"github.com/NoelleStern/Tappi-share/internal/signaling"
	"github.com/NoelleStern/Tappi-share/internal/signaling/broker"
	"github.com/NoelleStern/Tappi-share/internal/signaling/manual"
	"github.com/NoelleStern/Tappi-share/internal/signaling/relay"
	"github.com/NoelleStern/Tappi-share/internal/transfer"
	"github.com/NoelleStern/Tappi-share/internal/ui"
	"github.com/NoelleStern/Tappi-share/internal/webrtc"
)

const (
	SignalRelay  = "relay"
	SignalManual = "manual"
	SignalBroker = "broker"

	// manualStepTimeout leaves room for a human carrying blocks around.
	manualStepTimeout = 10 * time.Minute
)

// sessionFlags are shared by send and receive.
type sessionFlags struct {
	signal     string
	name       string
	peer       string
	relayURL   string
	brokerHost string
	brokerPort int
	secret     string
	proxy      string
	stun       string
	turn       string
	turnUser   string
	turnPass   string
	relayOnly  bool
	chunkSize  int
	timeout    time.Duration
	wait       time.Duration
	role       string
	noHistory  bool
}

func (f *sessionFlags) register(c *cobra.Command) {
	fs := c.Flags()
	fs.StringVar(&f.signal, "signal", SignalRelay, "Signaling link: relay, manual or broker")
	fs.StringVarP(&f.name, "name", "n", "", "This side's name (random when empty)")
	fs.StringVarP(&f.peer, "peer", "p", "", "The other side's name")
	fs.StringVar(&f.relayURL, "relay", "", "Relay websocket URL")
	fs.StringVar(&f.brokerHost, "broker", "", "MQTT broker host")
	fs.IntVar(&f.brokerPort, "broker-port", 0, "MQTT broker port")
	fs.StringVar(&f.secret, "secret", "", "Passphrase sealing signaling messages")
	fs.StringVar(&f.proxy, "proxy", "", "SOCKS5 proxy URL for the relay link")
	fs.StringVarP(&f.stun, "stun", "s", "", "Custom STUN server")
	fs.StringVarP(&f.turn, "turn", "t", "", "Custom TURN server")
	fs.StringVar(&f.turnUser, "turn-user", "", "TURN username")
	fs.StringVar(&f.turnPass, "turn-pass", "", "TURN password")
	fs.BoolVar(&f.relayOnly, "relay-only", false, "Only use TURN relay candidates")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "Chunk size in bytes")
	fs.DurationVar(&f.timeout, "timeout", 0, "Per-step negotiation timeout")
	fs.DurationVar(&f.wait, "wait", 0, "How long to wait for the peer to show up (default 5m with relay or broker)")
	fs.StringVar(&f.role, "role", "", "Negotiation role: initiator, responder or auto (default by command)")
	fs.BoolVar(&f.noHistory, "no-history", false, "Do not record this transfer")
}

func (f *sessionFlags) config() (*config.Config, error) {
	switch f.signal {
	case SignalRelay, SignalManual, SignalBroker:
	default:
		return nil, fmt.Errorf("unknown signaling link %q (want relay, manual or broker)", f.signal)
	}
	if f.role != "" {
		role, err := negotiator.ParseRole(f.role)
		if err != nil {
			return nil, err
		}
		if role == negotiator.Auto && f.signal == SignalManual {
			return nil, fmt.Errorf("--role auto needs a relay or broker link")
		}
	}

	cfg, err := config.Load(config.Options{
		RelayURL:    f.relayURL,
		BrokerHost:  f.brokerHost,
		BrokerPort:  f.brokerPort,
		Proxy:       f.proxy,
		Secret:      f.secret,
		STUNServer:  f.stun,
		TURNServer:  f.turn,
		TURNUser:    f.turnUser,
		TURNPass:    f.turnPass,
		RelayOnly:   f.relayOnly,
		ChunkSize:   f.chunkSize,
		StepTimeout: f.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.signal == SignalManual && f.timeout == 0 {
		cfg.StepTimeout = manualStepTimeout
	}
	return cfg, nil
}

func (f *sessionFlags) codec(cfg *config.Config) (signaling.Codec, error) {
	if cfg.Secret == "" {
		return signaling.Codec{}, nil
	}
	box, err := seal.New(cfg.Secret)
	if err != nil {
		return signaling.Codec{}, err
	}
	return signaling.Codec{Box: box}, nil
}

// openLink connects the chosen signaling link.
func (f *sessionFlags) openLink(ctx context.Context, cfg *config.Config) (signaling.Link, error) {
	codec, err := f.codec(cfg)
	if err != nil {
		return nil, err
	}

	if f.signal == SignalManual {
		ui.RenderPairingInfo(ui.PairingInfo{
			Mode:  "copy/paste",
			Where: "paste the other side's block below; blocks printed here go to them",
		})
		link := manual.New(os.Stdin, os.Stdout, codec)
		link.Prompt = func(msg signaling.Message) {
			ui.PrintInfof("Send this %s block to your peer:", msg.Kind)
		}
		return link, nil
	}

	if f.name == "" {
		f.name = hub.RandomName()
	}
	if f.peer == "" {
		return nil, fmt.Errorf("--peer is required with --signal %s (you are %q)", f.signal, f.name)
	}

	where := cfg.RelayURL
	if f.signal == SignalBroker {
		where = fmt.Sprintf("mqtt://%s:%d", cfg.BrokerHost, cfg.BrokerPort)
	}
	ui.RenderPairingInfo(ui.PairingInfo{Mode: f.signal, Local: f.name, Remote: f.peer, Where: where})

	stop := ui.RunConnectionSpinner(fmt.Sprintf("Connecting to %s...", where))
	defer stop()

	switch f.signal {
	case SignalBroker:
		pub, _ := broker.Topics(broker.DefaultPrefix, f.name, f.peer)
		mq, err := broker.DialMQTT(ctx, broker.MQTTOptions{
			Host:      cfg.BrokerHost,
			Port:      cfg.BrokerPort,
			WillTopic: pub,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		link, err := broker.New(mq, broker.Config{Local: f.name, Remote: f.peer, Codec: codec})
		if err != nil {
			mq.Close()
			return nil, err
		}
		return link, nil

	default:
		link, err := relay.Dial(ctx, relay.Config{
			URL:    cfg.RelayURL,
			Local:  f.name,
			Remote: f.peer,
			Proxy:  cfg.Proxy,
			Codec:  codec,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to relay: %w", err)
		}
		return link, nil
	}
}

// connect negotiates a data channel with the peer. The command's role is
// used unless --role overrides it.
func (f *sessionFlags) connect(ctx context.Context, cfg *config.Config, role negotiator.Role) (channel.Channel, error) {
	if f.role != "" {
		role, _ = negotiator.ParseRole(f.role)
	}

	link, err := f.openLink(ctx, cfg)
	if err != nil {
		return nil, err
	}

	peer, err := webrtc.NewPeer(cfg, webrtc.Options{Trickle: f.signal != SignalManual})
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	wait := f.wait
	if wait == 0 && f.signal != SignalManual {
		wait = hub.DefaultSessionTimeout
	}
	n := negotiator.New(link, peer, negotiator.Config{Role: role, StepTimeout: cfg.StepTimeout, WaitTimeout: wait})

	var stop func()
	if f.signal == SignalManual {
		stop = func() {}
	} else {
		stop = ui.RunWaitingSpinner(fmt.Sprintf("Waiting for %s...", f.peer))
	}
	ch, err := n.Negotiate(ctx)
	stop()
	if err != nil {
		logrus.WithField("history", n.History()).Debug("Negotiation failed")
		return nil, describeNegotiation(err)
	}

	logrus.WithField("role", n.Role().String()).Debug("Negotiated")
	ui.PrintSuccess("Connected")
	return ch, nil
}

func describeNegotiation(err error) error {
	switch {
	case errors.Is(err, negotiator.ErrTimeout):
		return fmt.Errorf("peer did not answer in time: %w", err)
	case errors.Is(err, negotiator.ErrPeerAborted):
		return fmt.Errorf("peer gave up: %w", err)
	case errors.Is(err, negotiator.ErrTransportFailure):
		return fmt.Errorf("no route to peer (try --turn or --relay-only): %w", err)
	case errors.Is(err, signaling.ErrSessionExpired):
		return fmt.Errorf("relay session expired: %w", err)
	}
	return err
}

// record stores a finished transfer. Failures are only logged.
func (f *sessionFlags) record(cfg *config.Config, direction string, m *transfer.Manifest, res transfer.Result) {
	if f.noHistory {
		return
	}
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logrus.WithError(err).Warn("History unavailable")
		return
	}
	defer store.Close()

	if err := store.Save(history.FromResult(direction, f.peer, m, res)); err != nil {
		logrus.WithError(err).Warn("Could not record transfer")
	}
}

// finish renders the outcome and turns it into the command's error.
func finish(res transfer.Result) error {
	ui.RenderSummary(res)
	if res.Err != nil {
		return res.Err
	}
	if failed := res.FailedFiles(); len(failed) > 0 {
		return fmt.Errorf("%d of %d files failed", len(failed), len(res.Files))
	}
	return nil
}
