package cmds

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mintstream/mintstream/pkg/config"
	"github.com/mintstream/mintstream/pkg/history"
	"github.com/mintstream/mintstream/pkg/ledger"
	"github.com/mintstream/mintstream/pkg/realtime"
	"github.com/mintstream/mintstream/pkg/realtime/mic"
	"github.com/mintstream/mintstream/pkg/stream"
)

// NewChatCmd builds the interactive chat command.
func NewChatCmd() *cobra.Command {
	var (
		convID    string
		transport string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive realtime chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if convID == "" {
				convID = uuid.NewString()
			}
			return runChat(cmd.Context(), cfg, convID, transport)
		},
	}

	cmd.Flags().StringVar(&convID, "conversation", "", "conversation id to resume (default: new)")
	cmd.Flags().StringVar(&transport, "transport", "webrtc", "transport to use (webrtc or websocket)")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, convID, transportName string) error {
	svc, err := ledger.New(ledger.Config{
		URL:    cfg.Backend.URL,
		APIKey: cfg.Backend.APIKey,
		UserID: cfg.Backend.UserID,
	}, log.Logger)
	if err != nil {
		return err
	}

	store, err := buildHistoryStore(cfg)
	if err != nil {
		return err
	}
	convStore := history.NewConversationStore(store, history.Budget{
		TokenLimit:   cfg.History.TokenLimit,
		MessageLimit: cfg.History.MessageLimit,
	})
	defer func() {
		if err := convStore.Close(); err != nil {
			log.Warn().Err(err).Msg("close history store")
		}
	}()

	bus, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("close stream bus")
		}
	}()

	var factory realtime.TransportFactory
	switch transportName {
	case "webrtc":
		factory = realtime.NewWebRTCTransport
	case "websocket":
		factory = realtime.NewWebSocketTransport
	default:
		return errors.Errorf("unknown transport %q", transportName)
	}

	controller, err := realtime.NewController(realtime.ControllerConfig{
		ConversationID: convID,
		Source:         svc,
		Consumer:       svc,
		History:        convStore,
		Sink:           bus,
		CredentialTTL:  cfg.Realtime.CredentialTTL,
		SaveDebounce:   cfg.Realtime.SaveDebounce,
		LoadGuard:      cfg.Realtime.LoadGuard,
		Session: realtime.SessionConfig{
			Transport: factory,
			TransportConfig: realtime.TransportConfig{
				NegotiateURL: cfg.Realtime.NegotiateURL,
				WebSocketURL: cfg.Realtime.WebSocketURL,
				Model:        cfg.Realtime.Model,
				Logger:       log.Logger,
			},
			Microphone: func() (realtime.Microphone, error) {
				return mic.New(log.Logger)
			},
			Instructions:       cfg.Realtime.Instructions,
			Voice:              cfg.Realtime.Voice,
			TranscriptionModel: cfg.Realtime.TranscriptionModel,
		},
		Logger: log.Logger,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, err := bus.Subscribe(ctx, convID)
	if err != nil {
		return err
	}

	if err := controller.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect session")
	}

	fmt.Printf("conversation %s connected via %s\n", convID, transportName)
	fmt.Println("commands: /voice /text /copy /balance /quit")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return renderFrames(gctx, frames) })
	g.Go(func() error {
		defer cancel()
		return readInput(gctx, controller)
	})
	return g.Wait()
}

// renderFrames prints conversation activity as it streams in. Partial
// assistant content is rewritten in place with a carriage return.
func renderFrames(ctx context.Context, frames <-chan stream.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			ev := frame.Event
			switch ev.Type {
			case stream.FrameMessageUpsert:
				if ev.Message == nil {
					continue
				}
				if ev.Message.Streaming {
					fmt.Printf("\r%s: %s", ev.Message.Role, ev.Message.Content)
				} else {
					fmt.Printf("\r%s: %s\n", ev.Message.Role, ev.Message.Content)
				}
			case stream.FrameSessionState:
				if ev.Error != "" {
					fmt.Printf("[session %s: %s]\n", ev.State, ev.Error)
				} else {
					fmt.Printf("[session %s]\n", ev.State)
				}
			case stream.FrameCredits:
				if ev.Remaining != nil && *ev.Remaining >= 0 {
					fmt.Printf("[credits remaining: %d]\n", *ev.Remaining)
				}
			case stream.FrameNotice:
				if ev.Notice != nil {
					fmt.Printf("[%s] %s\n", ev.Notice.Kind, ev.Notice.Message)
				}
			}
		}
	}
}

func readInput(ctx context.Context, controller *realtime.Controller) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			controller.SendMessage(line)
			continue
		}

		switch line {
		case "/quit":
			controller.Disconnect()
			return nil
		case "/voice":
			if err := controller.ToggleMode(realtime.ModeVoice); err != nil {
				fmt.Printf("[voice mode unavailable: %v]\n", err)
			}
		case "/text":
			if err := controller.ToggleMode(realtime.ModeText); err != nil {
				fmt.Printf("[text mode failed: %v]\n", err)
			}
		case "/copy":
			copyLastReply(controller)
		case "/balance":
			fmt.Printf("[credits remaining: %d]\n", controller.Remaining())
		default:
			fmt.Printf("[unknown command %s]\n", line)
		}
	}
	return scanner.Err()
}

// copyLastReply puts the newest completed assistant message on the system
// clipboard.
func copyLastReply(controller *realtime.Controller) {
	msgs := controller.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != realtime.RoleAssistant || m.Streaming {
			continue
		}
		if err := clipboard.WriteAll(m.Content); err != nil {
			fmt.Printf("[clipboard unavailable: %v]\n", err)
			return
		}
		fmt.Println("[reply copied]")
		return
	}
	fmt.Println("[no completed reply to copy]")
}

func buildHistoryStore(cfg *config.Config) (history.Store, error) {
	switch cfg.History.Driver {
	case "", "memory":
		return history.NewStore(history.StoreTypeMemory)
	case "sqlite":
		return history.NewStore(history.StoreTypeSQLite, history.WithSQLitePath(cfg.History.SQLitePath))
	case "redis":
		client := redisClient(cfg.History.RedisAddr)
		return history.NewStore(history.StoreTypeRedis,
			history.WithRedisClient(client),
			history.WithRedisTTL(cfg.History.RedisTTL),
		)
	default:
		return nil, errors.Errorf("unknown history driver %q", cfg.History.Driver)
	}
}

func buildBus(cfg *config.Config) (*stream.Bus, error) {
	switch cfg.Stream.Driver {
	case "", "memory":
		return stream.NewBus(log.Logger), nil
	case "redis":
		return stream.NewRedisBus(stream.RedisSettings{
			Addr:     cfg.Stream.Addr,
			Group:    cfg.Stream.Group,
			Consumer: cfg.Stream.Consumer,
		}, log.Logger)
	default:
		return nil, errors.Errorf("unknown stream driver %q", cfg.Stream.Driver)
	}
}
