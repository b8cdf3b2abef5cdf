package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/phrazzld/recipe-forge/internal/config"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/platform/logger"
	"github.com/phrazzld/recipe-forge/internal/service/auth"
	"github.com/phrazzld/recipe-forge/internal/tracker"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	defaultURL  = "http://localhost:8080"
	defaultWait = 10 * time.Minute
)

var errUsage = errors.New("usage error")

type cli struct {
	server  string
	token   string
	room    string
	timeout time.Duration
	verbose bool

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}

	fs := flag.NewFlagSet("recipectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.server, "server", envOr("RECIPES_SERVER_URL", defaultURL), "recipe server base URL")
	fs.StringVar(&c.token, "token", os.Getenv("RECIPES_TOKEN"), "bearer token")
	fs.StringVar(&c.room, "room", "", "room announced to the progress gateway")
	fs.DurationVar(&c.timeout, "timeout", defaultWait, "how long to follow a job")
	fs.BoolVar(&c.verbose, "v", false, "log connection activity")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: recipectl [flags] scrape|invent|status|watch|token [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	c.logger = logger.New(stderr, level, "text")

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	var err error
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "scrape":
		err = c.scrape(ctx, cmdArgs)
	case "invent":
		err = c.invent(ctx, cmdArgs)
	case "status":
		err = c.status(ctx)
	case "watch":
		err = c.watch(ctx)
	case "token":
		err = c.issueToken(ctx, cmdArgs)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailed
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *cli) transport() (*tracker.HTTPTransport, error) {
	return tracker.NewHTTPTransport(c.server, c.token, c.room, nil)
}

func (c *cli) scrape(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "usage: recipectl scrape <url>")
		return errUsage
	}
	url := strings.TrimSpace(args[0])
	if err := domain.ValidateSourceURL(url); err != nil {
		return err
	}
	return c.submitAndFollow(ctx, tracker.KindScrape, map[string]string{"url": url})
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func (c *cli) invent(ctx context.Context, args []string) error {
	var req domain.InventRequest
	var ingredients, dietary, methods stringList

	fs := flag.NewFlagSet("invent", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.StringVar(&req.Title, "title", "", "recipe title (required)")
	fs.StringVar(&req.Description, "description", "", "what the dish should be like")
	fs.StringVar(&req.Cuisine, "cuisine", "", "cuisine")
	fs.StringVar(&req.Type, "type", "", "dish type")
	fs.StringVar(&req.Difficulty, "difficulty", "", "easy, medium or hard")
	fs.IntVar(&req.Servings, "servings", 0, "number of servings")
	fs.StringVar(&req.PrepTime, "prep", "", "preparation time, e.g. \"15 minutes\"")
	fs.StringVar(&req.CookTime, "cook", "", "cooking time")
	fs.StringVar(&req.SpecialInstructions, "notes", "", "special instructions")
	fs.Var(&ingredients, "ingredient", "ingredient to use (repeatable)")
	fs.Var(&dietary, "diet", "dietary restriction (repeatable)")
	fs.Var(&methods, "method", "cooking method (repeatable)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(req.Title) == "" {
		fmt.Fprintln(c.stderr, "invent: -title is required")
		return errUsage
	}
	req.Ingredients = ingredients
	req.DietaryRestrictions = dietary
	req.CookingMethods = methods

	return c.submitAndFollow(ctx, tracker.KindInvent, req)
}

func (c *cli) status(ctx context.Context) error {
	t, err := c.transport()
	if err != nil {
		return err
	}
	s, err := t.QueueStatus(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// watch prints every progress event until interrupted.
func (c *cli) watch(ctx context.Context) error {
	t, err := c.transport()
	if err != nil {
		return err
	}
	stream, err := t.Connect(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		line := fmt.Sprintf("%s  %-13s %s", ev.Time().Format(time.TimeOnly), ev.Stage, ev.SubjectKey)
		if ev.RecipeID != 0 {
			line += fmt.Sprintf("  recipe=%d", ev.RecipeID)
		}
		if ev.Error != "" {
			line += "  error=" + ev.Error
		}
		fmt.Fprintln(c.stdout, line)
	}
}

func (c *cli) issueToken(ctx context.Context, args []string) error {
	var userID, secret string
	var lifetime time.Duration

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.StringVar(&userID, "user", "", "user id (required)")
	fs.StringVar(&secret, "secret", os.Getenv("RECIPES_AUTH_JWT_SECRET"), "signing secret")
	fs.DurationVar(&lifetime, "lifetime", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if userID == "" {
		fmt.Fprintln(c.stderr, "token: -user is required")
		return errUsage
	}

	svc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: secret, TokenLifetime: lifetime})
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, token)
	return nil
}
