package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/internal/config"
	"github.com/meridian-ai/meridian/internal/memory"
)

var (
	memUser  string
	memLimit int
	memDays  int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and maintain stored conversation memory",
}

var memoryProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the long-term facts stored for a user",
	RunE:  memoryProfile,
}

var memorySessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known session ids for a user",
	RunE:  memorySessions,
}

var memoryEpisodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "Show episodic summaries for a user",
	RunE:  memoryEpisodes,
}

var memoryRetentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Run the retention sweep once and report what was removed",
	RunE:  memoryRetention,
}

func init() {
	memoryProfileCmd.Flags().StringVar(&memUser, "user", "", "User ID (required)")
	memorySessionsCmd.Flags().StringVar(&memUser, "user", "", "User ID (required)")
	memoryEpisodesCmd.Flags().StringVar(&memUser, "user", "", "User ID (required)")
	memoryEpisodesCmd.Flags().IntVar(&memLimit, "limit", 20, "Maximum summaries to show")
	memoryRetentionCmd.Flags().IntVar(&memDays, "days", 0, "Episodic retention in days (config value when 0)")

	memoryCmd.AddCommand(memoryProfileCmd, memorySessionsCmd, memoryEpisodesCmd, memoryRetentionCmd)
	rootCmd.AddCommand(memoryCmd)
}

func openMemoryStore() (*memory.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := memory.NewStore(cfg.MemoryDBPath(), cfg.ShortTermCapacity, cfg.SessionTTL())
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func requireMemUser() error {
	if memUser == "" {
		return fmt.Errorf("user id required: set --user")
	}
	return nil
}

func memoryProfile(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory_profile")
	defer span.End()

	if err := requireMemUser(); err != nil {
		return err
	}

	store, _, err := openMemoryStore()
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	facts, err := store.GetLongTerm(ctx, memUser)
	if err != nil {
		return fmt.Errorf("reading profile: %w", err)
	}
	if len(facts) == 0 {
		fmt.Println("No stored facts for this user.")
		return nil
	}

	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("Profile: %s (%d facts)\n", memUser, len(facts))
	for _, k := range keys {
		fmt.Printf("  %-12s %s\n", k, facts[k])
	}
	return nil
}

func memorySessions(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory_sessions")
	defer span.End()

	if err := requireMemUser(); err != nil {
		return err
	}

	store, _, err := openMemoryStore()
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, memUser)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded for this user.")
		return nil
	}
	for _, id := range sessions {
		fmt.Println(id)
	}
	return nil
}

func memoryEpisodes(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory_episodes")
	defer span.End()

	if err := requireMemUser(); err != nil {
		return err
	}

	store, _, err := openMemoryStore()
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	episodes, err := store.ListEpisodic(ctx, memUser, memLimit)
	if err != nil {
		return fmt.Errorf("listing episodes: %w", err)
	}
	if len(episodes) == 0 {
		fmt.Println("No episodic summaries for this user.")
		return nil
	}

	for i := range episodes {
		ep := &episodes[i]
		emotion := ep.PrimaryEmotion
		if emotion == "" {
			emotion = "-"
		}
		fmt.Printf("%.2f | %-10s | %d msgs | %s\n",
			ep.Significance, emotion, ep.MessageCount,
			strings.ReplaceAll(ep.Summary, "\n", " "))
	}
	return nil
}

func memoryRetention(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory_retention")
	defer span.End()

	store, cfg, err := openMemoryStore()
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	days := memDays
	if days <= 0 {
		days = cfg.EpisodicRetention
	}

	start := time.Now()
	removed, err := store.RunRetention(ctx, days)
	if err != nil {
		return fmt.Errorf("running retention sweep: %w", err)
	}
	fmt.Printf("Retention sweep removed %d rows in %s (episodic older than %d days).\n",
		removed, time.Since(start).Round(time.Millisecond), days)
	return nil
}
