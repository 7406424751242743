// Command callagent joins a room as a headless participant. It captures
// synthetic audio and video, negotiates with the other member through the
// signaling relay and logs call events until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/monitoring"
	relay "callcore/internal/infrastructure/signal"
	"callcore/internal/infrastructure/webrtc"
	"callcore/pkg/config"
	"callcore/pkg/logger"
	"callcore/pkg/tracing"
	"callcore/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CALLCORE_CONFIG"), "path to config.yaml")
		roomID     = flag.String("room", "", "room to join")
		peerID     = flag.String("peer", "", "local peer id")
		name       = flag.String("name", "", "display name")
		token      = flag.String("token", os.Getenv("CALLCORE_TOKEN"), "room token issued by the relay")
		chatText   = flag.String("say", "", "chat message to send once the call is active")
		duration   = flag.Duration("duration", 0, "hang up after this long; 0 waits for a signal")
		noVideo    = flag.Bool("no-video", false, "join with audio only")
	)
	flag.Parse()

	cfg, _, err := config.LoadFirst(*configPath, "configs/config.yaml", "config.yaml")
	if err != nil {
		logger.NewSugared("info").Fatalw("failed to load config", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("room_id", *roomID, "peer_id", *peerID)

	if *roomID == "" || *peerID == "" || *token == "" {
		log.Fatal("-room, -peer and -token are required")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callcore-agent",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	if err := run(cfg, log, agentOptions{
		room:     domain.RoomID(*roomID),
		peer:     domain.PeerID(*peerID),
		name:     *name,
		token:    *token,
		say:      *chatText,
		duration: *duration,
		video:    !*noVideo,
	}); err != nil {
		log.Errorw("call agent failed", "error", err)
		os.Exit(1)
	}
}

type agentOptions struct {
	room     domain.RoomID
	peer     domain.PeerID
	name     string
	token    string
	say      string
	duration time.Duration
	video    bool
}

func run(cfg *config.Config, log *zap.SugaredLogger, opts agentOptions) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	connector, err := webrtc.NewConnector(webrtc.ConfigFromApp(cfg), log)
	if err != nil {
		return err
	}
	devices := webrtc.NewDevices(webrtc.DeviceConfig{
		CameraAvailable:     cfg.Devices.CameraAvailable,
		MicrophoneAvailable: cfg.Devices.MicrophoneAvailable,
		ScreenAvailable:     cfg.Devices.ScreenAvailable,
	}, log)

	dialOpts := relay.DefaultClientOptions()
	dialOpts.WriteTimeout = cfg.Signal.WriteTimeout
	if cfg.Signal.DialAttempts > 0 {
		dialOpts.Retry.MaxAttempts = cfg.Signal.DialAttempts
	}
	log.Infow("dialing relay",
		"url", cfg.Signal.URL,
		"room_id", opts.room,
		"peer_id", opts.peer,
		"token", utils.MaskSensitive(opts.token, 8),
	)
	client, err := relay.Dial(ctx, cfg.Signal.URL, opts.token, dialOpts, log)
	if err != nil {
		return err
	}
	defer client.Close()

	constraints := domain.DefaultMediaConstraints()
	constraints.Video = opts.video

	deps := services.CallDependencies{
		Devices:   devices,
		Connector: connector,
		Signaling: client,
		Logger:    log,
	}
	if metrics != nil {
		deps.Metrics = metrics
	}

	call, err := services.NewCallController(services.CallControllerConfig{
		RoomID:           opts.room,
		LocalPeerID:      opts.peer,
		DisplayName:      opts.name,
		Constraints:      constraints,
		MonitorInterval:  cfg.Monitor.Interval,
		E2EEEnabled:      cfg.E2EE.Enabled,
		E2EERequired:     cfg.E2EE.Required,
		RotationInterval: cfg.E2EE.RotationInterval,
		Media: services.MediaE2EEConfig{
			KeyExchangeTimeout: cfg.E2EE.KeyExchangeTimeout,
			RotationAckTimeout: cfg.E2EE.RotationAckTimeout,
			GraceWindow:        cfg.E2EE.GraceWindow,
		},
		ChatEnabled: cfg.Chat.Enabled,
		ChatEncrypt: cfg.Chat.E2EE,
	}, deps)
	if err != nil {
		return err
	}

	active := make(chan struct{}, 1)
	ended := make(chan struct{}, 1)
	call.Subscribe(func(ev services.CallEvent) {
		logEvent(log, ev)
		switch {
		case ev.Type == services.CallEventEncryptionChanged && ev.Encryption != nil &&
			ev.Encryption.Status == domain.EncryptionActive,
			ev.Type == services.CallEventParticipantJoined && !cfg.E2EE.Enabled:
			notify(active)
		case ev.Type == services.CallEventPhaseChanged && ev.Phase == domain.PhaseEnded:
			notify(ended)
		}
	})

	if _, err := call.StartPreview(ctx); err != nil {
		var devErr *domain.DeviceAcquisitionError
		if !errors.As(err, &devErr) {
			return err
		}
		// Join still works without local media.
		log.Warnw("continuing without local media", "error", err)
	}
	if err := call.Join(ctx); err != nil {
		return err
	}
	log.Infow("joined call")

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timeout = time.After(opts.duration)
	}
	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	said := opts.say == ""
	for {
		select {
		case <-active:
			if !said {
				said = true
				if _, err := call.SendChat(ctx, opts.say); err != nil {
					log.Warnw("failed to send chat message", "error", err)
				}
			}
			continue
		case <-stats.C:
			s := connector.FrameStats()
			log.Infow("frame stats",
				"frames_sent", s.FramesSent,
				"frames_received", s.FramesReceived,
				"frames_lost", s.FramesLost,
				"decrypt_failures", s.DecryptFailures,
				"keyframe_requests", s.KeyframeRequests,
			)
			continue
		case <-ended:
			log.Infow("call ended remotely")
			return nil
		case <-timeout:
		case sig := <-sigChan:
			log.Infow("received signal, hanging up", "signal", sig)
		}
		break
	}

	hangupCtx, cancelHangup := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHangup()
	done := make(chan error, 1)
	go func() { done <- call.HangUp(hangupCtx) }()

	select {
	case err := <-done:
		return err
	case sig := <-sigChan:
		call.ForceRelease(fmt.Sprintf("second %s during hang up", sig))
		return nil
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func logEvent(log *zap.SugaredLogger, ev services.CallEvent) {
	switch ev.Type {
	case services.CallEventParticipantJoined, services.CallEventParticipantLeft:
		if ev.Participant != nil {
			log.Infow(string(ev.Type), "remote_peer_id", ev.Participant.PeerID, "display_name", ev.Participant.DisplayName)
		}
	case services.CallEventQualityChanged:
		if ev.Quality != nil {
			log.Infow("call quality", "tier", ev.Quality.Tier, "score", ev.Quality.Score, "rtt_ms", ev.Quality.RTTMs)
		}
	case services.CallEventNetworkDegraded:
		if ev.Degradation != nil {
			log.Warnw("network degraded", "detail", ev.Degradation.String())
		}
	case services.CallEventEncryptionChanged:
		if ev.Encryption != nil {
			log.Infow("media encryption", "status", ev.Encryption.Status, "generation", ev.Encryption.KeyGeneration)
		}
	case services.CallEventChatMessage:
		if ev.Chat != nil {
			log.Infow("chat message", "sender_id", ev.Chat.SenderID, "type", ev.Chat.Type,
				"text", utils.TruncateString(ev.Chat.Plaintext, 120), "encrypted", ev.Chat.IsEncrypted)
		}
	case services.CallEventAbnormalTeardown:
		if ev.Teardown != nil {
			log.Warnw("abnormal teardown", "reason", ev.Teardown.Reason)
		}
	case services.CallEventError:
		log.Warnw("call error", "error", ev.Err)
	default:
		log.Debugw("call event", "type", ev.Type, "phase", ev.Phase, "connection", ev.Connection)
	}
}
