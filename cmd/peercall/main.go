// Peercall is the call client.
//
// Joins a one-to-one video call through a signaling relay. Both parties run
// peercall with swapped --user/--peer and the same --session; the side whose
// name sorts first sends the offer. Media comes from the local camera and
// microphone, or from synthetic tracks with --synthetic.
//
// Missing identities are prompted for interactively.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/peercall/internal/call"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/media/device"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

type options struct {
	configPath    string
	url           string
	codec         string
	user          string
	peer          string
	session       string
	initiator     bool
	synthetic     bool
	debug         bool
	statsInterval time.Duration
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var opts options
	flagSet := pflag.NewFlagSet("peercall", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&opts.url, "url", "", "relay WebSocket URL (overrides config)")
	flagSet.StringVar(&opts.codec, "codec", "", "signaling frame codec: json or cbor (overrides config)")
	flagSet.StringVarP(&opts.user, "user", "u", "", "your identity")
	flagSet.StringVarP(&opts.peer, "peer", "p", "", "identity of the party to call")
	flagSet.StringVarP(&opts.session, "session", "s", "", "call session id (default: random)")
	flagSet.BoolVar(&opts.initiator, "initiator", false, "send the offer regardless of name order")
	flagSet.BoolVar(&opts.synthetic, "synthetic", false, "use synthetic tracks instead of camera and microphone")
	flagSet.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flagSet.DurationVar(&opts.statsInterval, "stats-interval", 5*time.Second, "how often to print call statistics")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}
	if opts.debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peercall — v%s", version))
	pterm.Println()

	cfg, err := loadConfig(opts)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if opts.user == "" {
		opts.user = askIdentity("Your name")
	}
	if opts.peer == "" {
		opts.peer = askIdentity("Name of the person to call")
	}
	if opts.session == "" {
		opts.session = uuid.NewString()
		util.LogInfo("session id: %s (share it with %s)", opts.session, opts.peer)
	}

	if err := run(ctx, cfg, opts); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("call ended")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.url != "" {
		cfg.Signaling.URL = opts.url
	}
	if opts.codec != "" {
		cfg.Signaling.Codec = opts.codec
	}
	return cfg, cfg.Validate()
}

// run connects, acquires media and waits until the call ends.
func run(ctx context.Context, cfg config.Config, opts options) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	codec, err := signaling.CodecByName(cfg.Signaling.Codec)
	if err != nil {
		return err
	}
	transport := signaling.NewWSTransport(cfg.Signaling.URL, codec, cfg.Signaling.HandshakeTimeout)

	acquirer := newAcquirer(opts.synthetic)
	var registrar media.CodecRegistrar
	if r, ok := acquirer.(media.CodecRegistrar); ok {
		registrar = r
	}
	peers, err := call.NewWebRTCFactory(cfg.Call.ICEServers, registrar)
	if err != nil {
		return fmt.Errorf("failed to set up WebRTC: %w", err)
	}

	stats := &util.CallStats{}
	core := call.New(cfg.Call, call.Deps{
		Transport: transport,
		Media:     acquirer,
		Peers:     peers,
		Stats:     stats,
	})
	defer core.Close()

	watchCall(ctx, core, stats, cancel)

	if err := core.Connect(ctx, opts.user, opts.session, opts.peer); err != nil {
		util.LogWarning("relay unreachable, retrying in the background: %v", err)
	}

	if _, err := core.AcquireLocalMedia(ctx); err != nil {
		return err
	}
	if opts.initiator {
		if err := core.StartCall(true); err != nil {
			return err
		}
	}

	util.StartStatsReporter(ctx, stats, opts.statsInterval)
	util.LogSuccess("waiting for %s, press Ctrl+C to hang up", opts.peer)

	<-ctx.Done()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// newAcquirer prefers the local devices and falls back to synthetic tracks.
func newAcquirer(synthetic bool) media.Acquirer {
	if synthetic {
		return &media.Synthetic{Silence: true}
	}
	dev, err := device.New(device.DefaultOptions())
	if err != nil {
		util.LogWarning("camera/microphone encoders unavailable (%v), using synthetic tracks", err)
		return &media.Synthetic{Silence: true}
	}
	return dev
}

// watchCall wires the core's callbacks to logging and statistics. A call
// that cannot recover cancels ctx with the reason.
func watchCall(ctx context.Context, core *call.Core, stats *util.CallStats, cancel context.CancelCauseFunc) {
	reading := make(map[*webrtc.TrackRemote]bool)

	core.OnLocalStream(func(s *media.LocalStream) {
		util.LogInfo("local stream %s ready (%d tracks)", s.ID(), len(s.Tracks()))
	})
	core.OnRemoteStream(func(s *media.RemoteStream) {
		for _, track := range s.Tracks() {
			if reading[track] {
				continue
			}
			reading[track] = true
			go readTrack(ctx, track, stats)
		}
	})
	core.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			util.LogSuccess("media connected")
		}
	})
	core.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("ICE %s", state)
	})
	core.OnReconnectScheduled(func(attempt int, delay time.Duration) {
		util.LogWarning("signaling lost, reconnect %d in %s", attempt, delay.Round(time.Millisecond))
	})
	core.OnCallFailed(func(err error) {
		switch {
		case errors.Is(err, call.ErrReconnectExhausted):
			cancel(fmt.Errorf("call failed to connect: %w", err))
		case errors.Is(err, call.ErrICERestartExhausted):
			cancel(fmt.Errorf("call ended: %w", err))
		default:
			cancel(err)
		}
	})
}

// readTrack consumes RTP from a remote track until it ends, counting bytes.
func readTrack(ctx context.Context, track *webrtc.TrackRemote, stats *util.CallStats) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		stats.AddMediaRecv(n)
	}
}

// askIdentity prompts until a non-empty identity is entered.
func askIdentity(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if id := strings.TrimSpace(raw); id != "" {
			pterm.Println()
			return id
		}

		util.LogWarning("name must not be empty")
		pterm.Println()
	}
}
