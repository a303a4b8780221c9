package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/internal/backend"
	"github.com/meridian-ai/meridian/internal/config"
	"github.com/meridian-ai/meridian/internal/conversation"
	"github.com/meridian-ai/meridian/internal/memory"
	"github.com/meridian-ai/meridian/internal/persona"
)

var (
	chatUserID    string
	chatSessionID string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the persona from the terminal",
	Long: `Send one message, or start an interactive session when no message is given.
The session id is kept across turns so the persona remembers the conversation.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUserID, "user", "local", "user id for memory scoping")
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session id (minted when empty)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "chat")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	profile, err := persona.Load(cfg.PersonaPath)
	if err != nil {
		return fmt.Errorf("loading persona: %w", err)
	}

	store, err := memory.NewStore(cfg.MemoryDBPath(), cfg.ShortTermCapacity, cfg.SessionTTL())
	if err != nil {
		return fmt.Errorf("initializing memory store: %w", err)
	}
	defer store.Close()

	b, err := backend.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("initializing backend: %w", err)
	}

	orchestrator := conversation.New(profile, store, b,
		conversation.WithMaxInputChars(cfg.MaxInputChars),
		conversation.WithGenerateTimeout(cfg.GenerateTimeout()),
	)

	sessionID := chatSessionID

	turn := func(input string) error {
		resp, err := orchestrator.Converse(ctx, conversation.Request{
			UserID:    chatUserID,
			SessionID: sessionID,
			InputText: input,
		})
		if err != nil {
			return err
		}
		sessionID = resp.SessionID
		fmt.Printf("%s: %s\n", profile.Name, resp.Text)
		return nil
	}

	if len(args) > 0 {
		if err := turn(strings.Join(args, " ")); err != nil {
			return err
		}
		log.Debug().Str("session_id", sessionID).Msg("chat_turn_complete")
		return nil
	}

	fmt.Printf("Chatting with %s. Empty line or Ctrl-D to quit.\n", profile.Name)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			break
		}
		if err := turn(input); err != nil {
			log.Error().Err(err).Msg("chat_turn_failed")
			fmt.Println("(something went wrong, try again)")
		}
	}
	return scanner.Err()
}
