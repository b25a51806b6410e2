package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"chat-relay/internal/config"
	"chat-relay/internal/logging"
	"chat-relay/internal/middleware"
	"chat-relay/internal/models"
	"chat-relay/internal/ollama"
	"chat-relay/internal/personas"
	"chat-relay/internal/relay"
	"chat-relay/internal/session"
)

const defaultServer = "http://127.0.0.1:8080"

var httpClientFactory = func() *http.Client { return &http.Client{} }

func main() {
	if err := newRootCmd(config.Read()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Chat with a local model and control a running chat relay",
	}

	rootCmd.PersistentFlags().String("server", defaultServer, "chat relay server address")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the chat relay server")

	rootCmd.AddCommand(
		chatCmd(cfg),
		cancelCmd(),
		modelsCmd(cfg),
		tokenCmd(cfg),
	)
	rootCmd.SilenceUsage = true
	return rootCmd
}

func chatCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Stream a reply from the model; Ctrl-C stops the current reply",
		Long: "With a message argument a single exchange is relayed. Without one, lines " +
			"are read from stdin and the conversation is kept across turns.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ollamaURL, _ := cmd.Flags().GetString("ollama")
			model, _ := cmd.Flags().GetString("model")
			system, _ := cmd.Flags().GetString("system")
			persona, _ := cmd.Flags().GetString("persona")
			personasFile, _ := cmd.Flags().GetString("personas-file")
			idle, _ := cmd.Flags().GetDuration("idle-timeout")

			client, err := ollama.NewClient(ollama.Config{BaseURL: ollamaURL, HTTPClient: httpClientFactory()})
			if err != nil {
				return err
			}
			presets, err := personas.Load(personasFile)
			if err != nil {
				return err
			}

			state := session.New(client)
			r := relay.New(state,
				relay.WithIdleTimeout(idle),
				relay.WithLogger(logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)),
			)
			s := &chatSession{
				relay:      r,
				controller: relay.NewController(state),
				presets:    presets,
				persona:    persona,
				model:      model,
				out:        cmd.OutOrStdout(),
			}
			if system != "" {
				s.conversation = append(s.conversation, models.SystemMessage(system))
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			go s.handleInterrupts(ctx, stop)

			if len(args) > 0 {
				_, err := s.send(ctx, strings.Join(args, " "))
				return err
			}
			return s.repl(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().String("ollama", cfg.OllamaURL, "Ollama server URL")
	cmd.Flags().String("model", cfg.DefaultModel, "model to chat with")
	cmd.Flags().String("system", "", "system prompt placed first in the conversation")
	cmd.Flags().String("persona", "", "persona preset whose system prompt is used")
	cmd.Flags().String("personas-file", cfg.PersonasFile, "YAML file with persona presets")
	cmd.Flags().Duration("idle-timeout", cfg.ChunkIdleTimeout, "abort a reply after this long without output (0 disables)")
	return cmd
}

type chatRelay interface {
	RunChat(ctx context.Context, conversation []models.ChatMessage, model string, sink relay.Sink) (relay.Result, error)
}

// chatSession keeps the conversation of one relayctl chat invocation.
type chatSession struct {
	relay        chatRelay
	controller   *relay.Controller
	presets      *personas.Set
	persona      string
	model        string
	out          io.Writer
	conversation []models.ChatMessage
	running      atomic.Bool
}

// handleInterrupts cancels the running reply on Ctrl-C, or ends the session
// when no reply is in flight.
func (s *chatSession) handleInterrupts(ctx context.Context, stop context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			if sig == syscall.SIGINT && s.running.Load() {
				s.controller.RequestCancel(true)
				continue
			}
			stop()
			return
		}
	}
}

func (s *chatSession) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// send relays one user turn and records the reply when it completes.
func (s *chatSession) send(ctx context.Context, text string) (relay.Result, error) {
	conversation := append(append([]models.ChatMessage(nil), s.conversation...), models.UserMessage(text))
	if s.persona != "" {
		applied, err := s.presets.Apply(s.persona, conversation)
		if err != nil {
			return relay.Result{}, err
		}
		conversation = applied
	}

	s.running.Store(true)
	result, err := s.relay.RunChat(ctx, conversation, s.model, relay.SinkFunc(func(_ context.Context, ev models.ChatEvent) error {
		_, err := io.WriteString(s.out, ev.Content)
		return err
	}))
	s.running.Store(false)
	fmt.Fprintln(s.out)
	if err != nil {
		return result, err
	}

	switch result.Status {
	case relay.StatusCompleted:
		s.conversation = append(conversation, models.AssistantMessage(result.Content))
	case relay.StatusCancelled:
		fmt.Fprintln(s.out, "[cancelled]")
	}
	return result, nil
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Ask a running chat relay server to stop the current reply",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, _ := cmd.Flags().GetString("server")
			token, _ := cmd.Flags().GetString("token")
			reset, _ := cmd.Flags().GetBool("reset")

			value, err := requestCancel(cmd.Context(), server, token, !reset)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel=%t\n", value)
			return nil
		},
	}
	cmd.Flags().Bool("reset", false, "clear the cancellation flag instead of setting it")
	return cmd
}

func requestCancel(ctx context.Context, server, token string, flag bool) (bool, error) {
	body, err := json.Marshal(models.CancelRequest{Cancel: &flag})
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/chat/cancel", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClientFactory().Do(req)
	if err != nil {
		return false, fmt.Errorf("call chat relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var payload models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Error.Message == "" {
			return false, fmt.Errorf("status %s", resp.Status)
		}
		return false, fmt.Errorf("%s: %s", payload.Error.Code, payload.Error.Message)
	}

	var payload models.CancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return payload.Cancel, nil
}

func modelsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models installed on the Ollama server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ollamaURL, _ := cmd.Flags().GetString("ollama")
			client, err := ollama.NewClient(ollama.Config{BaseURL: ollamaURL, HTTPClient: httpClientFactory()})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			list, err := client.ListModels(ctx)
			if err != nil {
				return err
			}
			for _, m := range list {
				fmt.Fprintln(cmd.OutOrStdout(), m.Name)
			}
			return nil
		},
	}
	cmd.Flags().String("ollama", cfg.OllamaURL, "Ollama server URL")
	return cmd
}

func tokenCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a host token for a chat relay server with auth enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if secret == "" {
				return fmt.Errorf("a secret is required (--secret or JWT_SECRET)")
			}

			token, err := middleware.NewJWTAuth(secret).GenerateToken(uuid.New(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("secret", cfg.JWTSecret, "JWT signing secret")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
