package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/collabroom/internal/client"
	"github.com/MarcoPoloResearchLab/collabroom/internal/config"
	"github.com/MarcoPoloResearchLab/collabroom/internal/logging"
	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const saveCommand = ":save"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabroom-agent",
		Short: "Headless synchronization agent for a collaborative page",
		Long: "Opens a page on the relay, logs what peers do, and turns each stdin line into a local edit " +
			"appended to the selected language. A line reading :save persists immediately.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), os.Stdin)
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("relay-url", defaults.GetString("agent.relay_url"), "Relay websocket URL")
	cmd.PersistentFlags().String("token", "", "Credential presented to the relay (overrides env)")
	cmd.PersistentFlags().String("page-id", "", "Page to open")
	cmd.PersistentFlags().String("room-id", "", "Room the page belongs to")
	cmd.PersistentFlags().String("language", defaults.GetString("agent.language"), "Language the stdin edits apply to")
	cmd.PersistentFlags().String("display-name", "", "Display name announced while typing")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("throttle", defaults.GetDuration("sync.throttle"), "Minimum interval between content broadcasts")
	cmd.PersistentFlags().Duration("save-debounce", defaults.GetDuration("sync.save_debounce"), "Quiet period before a save")
	cmd.PersistentFlags().Duration("editing-idle", defaults.GetDuration("sync.editing_idle"), "Idle period before the typing indicator clears")
	cmd.PersistentFlags().Int("save-retries", defaults.GetInt("sync.save_retries"), "Automatic retries after a failed save")

	bindFlag(cmd, "agent.relay_url", "relay-url")
	bindFlag(cmd, "agent.token", "token")
	bindFlag(cmd, "agent.page_id", "page-id")
	bindFlag(cmd, "agent.room_id", "room-id")
	bindFlag(cmd, "agent.language", "language")
	bindFlag(cmd, "agent.display_name", "display-name")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.throttle", "throttle")
	bindFlag(cmd, "sync.save_debounce", "save-debounce")
	bindFlag(cmd, "sync.editing_idle", "editing-idle")
	bindFlag(cmd, "sync.save_retries", "save-retries")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context, input io.Reader) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithEncoding(agentConfig.LogLevel, logging.EncodingConsole)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := client.Connect(signalCtx, client.SessionConfig{
		URL:            agentConfig.RelayURL,
		Token:          agentConfig.Token,
		ReconnectDelay: agentConfig.Timings.ReconnectDelay,
		Logger:         logger,
		OnStateChange: func(state client.ConnectionState) {
			logger.Info("relay connection state", zap.String("state", string(state)))
		},
	})
	if err != nil {
		if errors.Is(err, client.ErrAuth) {
			logger.Error("credential rejected; obtain a new token and retry", zap.Error(err))
		}
		return err
	}
	defer session.Close()

	baseURL, err := client.RelayHTTPBase(agentConfig.RelayURL)
	if err != nil {
		return err
	}
	loader, err := client.NewHTTPPageLoader(baseURL, agentConfig.Token, nil)
	if err != nil {
		return err
	}

	identity := session.Identity()
	if agentConfig.DisplayName != "" {
		identity.DisplayName = agentConfig.DisplayName
	}

	page, err := client.OpenPage(signalCtx, client.PageConfig{
		PageID:    agentConfig.PageID,
		RoomID:    agentConfig.RoomID,
		Identity:  identity,
		Transport: session,
		Loader:    loader,
		Timings: client.Timings{
			Throttle:     agentConfig.Timings.Throttle,
			SaveDebounce: agentConfig.Timings.SaveDebounce,
			EditingIdle:  agentConfig.Timings.EditingIdle,
			SaveRetries:  agentConfig.Timings.SaveRetries,
		},
		Logger:    logger,
		Callbacks: pageLogCallbacks(logger, agentConfig.Language),
	})
	if err != nil {
		return err
	}
	logger.Info("page opened",
		zap.String("page_id", page.ID()),
		zap.String("title", page.Title()),
		zap.String("language", agentConfig.Language),
		zap.String("user_id", identity.UserID),
		zap.String("color", session.Color()),
		zap.Bool("connected", session.Connected()))

	lines := make(chan string)
	go scanLines(input, lines)

	for {
		select {
		case <-signalCtx.Done():
			logger.Info("shutting down")
			return closePage(page, logger)
		case <-session.Done():
			logger.Warn("relay session ended")
			return closePage(page, logger)
		case line, ok := <-lines:
			if !ok {
				return closePage(page, logger)
			}
			handleLine(page, session, agentConfig.Language, line, logger)
		}
	}
}

func scanLines(input io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func handleLine(page *client.Page, session *client.Session, language, line string, logger *zap.Logger) {
	if !session.Connected() {
		logger.Warn("relay link down; edit applied locally")
	}
	if strings.TrimSpace(line) == saveCommand {
		if err := page.Save(); err != nil {
			logger.Warn("manual save failed", zap.Error(err))
		}
		return
	}
	text := page.Content()[language]
	if text != "" {
		text += "\n"
	}
	if err := page.Edit(language, text+line); err != nil {
		logger.Warn("edit failed", zap.Error(err))
	}
}

func closePage(page *client.Page, logger *zap.Logger) error {
	if err := page.Close(); err != nil && !errors.Is(err, client.ErrClosed) {
		logger.Warn("page close incomplete", zap.Error(err))
		return err
	}
	return nil
}

func pageLogCallbacks(logger *zap.Logger, language string) client.PageCallbacks {
	return client.PageCallbacks{
		OnContent: func(content pages.Content) {
			logger.Info("remote content applied",
				zap.Int("languages", len(content)),
				zap.String(language, content[language]))
		},
		OnPresence: func(presences []protocol.Presence) {
			names := make([]string, 0, len(presences))
			for _, presence := range presences {
				names = append(names, presence.DisplayName)
			}
			logger.Info("presence changed", zap.Strings("others", names))
		},
		OnLock: func(holder protocol.EditingStarted, locked bool) {
			if locked {
				logger.Info("peer editing", zap.String("user_id", holder.UserID), zap.String("display_name", holder.DisplayName))
				return
			}
			logger.Info("peer stopped editing", zap.String("user_id", holder.UserID))
		},
		OnSaved: func(saved protocol.PageSaved) {
			logger.Info("page saved",
				zap.String("saved_by", saved.SavedBy),
				zap.Time("saved_at", saved.SavedAt),
				zap.String("revision_id", saved.RevisionID))
		},
		OnSaveError: func(failure protocol.SaveError) {
			logger.Warn("page save failed", zap.String("message", failure.Message))
		},
		OnParticipant: func(participant protocol.Participant, joined bool) {
			logger.Info("participant update",
				zap.String("user_id", participant.UserID),
				zap.String("display_name", participant.DisplayName),
				zap.Bool("joined", joined))
		},
	}
}
