package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"crewassist/internal/authclient"
	"crewassist/internal/chat"
	"crewassist/internal/completion"
	"crewassist/internal/config"
	"crewassist/internal/dataclient"
	"crewassist/internal/profile"
	"crewassist/internal/session"
	"crewassist/internal/util"
	"crewassist/pkg/domain"
)

func main() {
	_ = godotenv.Load()

	path := os.Getenv("CREWASSIST_CONFIG")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	profileTimeout, err := config.ParseProfileTimeout(cfg.ProfileTimeout)
	if err != nil {
		log.Fatalf("failed to parse profile timeout: %v", err)
	}
	renewalMargin, err := config.ParseRenewalMargin(cfg.RenewalMargin)
	if err != nil {
		log.Fatalf("failed to parse renewal margin: %v", err)
	}

	util.InitLogger(cfg.LogLevel)

	durable, err := session.NewSQLiteStore(cfg.TokenDBPath)
	if err != nil {
		log.Fatalf("failed to open token store: %v", err)
	}
	defer durable.Close()
	fallback := session.NewFileStore(cfg.TokenFilePath)

	auth := authclient.NewClient(cfg.AuthURL)
	data := dataclient.NewClient(cfg.DataURL)
	completions := completion.NewClient(cfg.CompletionURL)

	resolver := session.NewResolver(session.Config{
		Auth:          auth,
		Durable:       durable,
		Fallback:      fallback,
		RenewalMargin: renewalMargin,
	})

	shell := &consoleShell{}
	ctx := context.Background()

	sess := resolver.RestoreSession(ctx)
	if sess == nil {
		sess = signInPrompt(ctx, auth, resolver)
		if sess == nil {
			log.Fatal("sign-in failed")
		}
	}
	resolver.ScheduleRenewal(sess)
	defer resolver.StopRenewal()

	loader := profile.NewLoader(profile.Config{
		Sessions:     resolver,
		Data:         data,
		Cache:        profile.NewCache(),
		Nav:          shell,
		Notify:       shell,
		QueryTimeout: profileTimeout,
	})
	loader.Load(ctx)
	if loader.State() != profile.StateResolved {
		log.Fatalf("profile load failed: %v", loader.Err())
	}
	prof := loader.Profile()
	slog.Info("signed in", "user", prof.Email, "plan", prof.SubscriptionPlan)

	pipeline := chat.NewPipeline(chat.Config{
		Data:               data,
		Completion:         completions,
		Sessions:           resolver,
		Nav:                shell,
		Notify:             shell,
		DefaultAssistantID: cfg.DefaultAssistantID,
	})
	defer pipeline.Close()
	pipeline.OnUpdate(renderProgress())

	fmt.Println("crewassist ready. Type a question, or /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/new":
			pipeline.StartNewThread()
			continue
		}
		if err := pipeline.Send(ctx, line); err != nil {
			slog.Debug("send failed", "error", err)
		}
		fmt.Println()
	}
}

// renderProgress prints only the growth of the streaming assistant reply, so
// cumulative snapshots render as a continuous stream.
func renderProgress() func([]domain.Message) {
	printed := 0
	return func(messages []domain.Message) {
		if len(messages) == 0 {
			return
		}
		last := messages[len(messages)-1]
		if last.Role != domain.RoleAssistant {
			printed = 0
			return
		}
		if len(last.Content) < printed {
			printed = 0
		}
		fmt.Print(last.Content[printed:])
		printed = len(last.Content)
	}
}

func signInPrompt(ctx context.Context, auth *authclient.Client, resolver *session.Resolver) *domain.Session {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("email: ")
	email, err := reader.ReadString('\n')
	if err != nil {
		return nil
	}
	fmt.Print("password: ")
	password, err := readPassword(reader)
	if err != nil {
		return nil
	}
	payload, err := auth.SignInWithPassword(ctx, strings.TrimSpace(email), password)
	if err != nil {
		slog.Error("password sign-in failed", "error", err)
		return nil
	}
	sess := session.Normalize(payload)
	if sess == nil {
		return nil
	}
	resolver.Adopt(ctx, sess)
	return sess
}

// readPassword reads a line without terminal tricks; the CLI is a thin
// harness around the core, not the product surface.
func readPassword(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// consoleShell is the CLI's navigation and notification surface.
type consoleShell struct{}

func (*consoleShell) GoToSignIn(state domain.AuthFlowState) {
	if resuming, ok := state.(domain.FlowResuming); ok {
		fmt.Fprintf(os.Stderr, "\nPlease sign in again to continue (%s).\n", resuming.ReturnPath)
		return
	}
	fmt.Fprintln(os.Stderr, "\nPlease sign in to continue.")
}

func (*consoleShell) GoToOnboarding(domain.AuthFlowState) {
	fmt.Fprintln(os.Stderr, "\nNo profile found: finish onboarding at the crewassist web app.")
}

func (*consoleShell) Notice(message string) {
	fmt.Fprintln(os.Stderr, message)
}

func (*consoleShell) RetryableError(message string) {
	fmt.Fprintln(os.Stderr, message)
}
