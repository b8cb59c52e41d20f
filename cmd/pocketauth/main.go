// Command pocketauth drives the auth session core from a terminal: sign in
// and out, inspect the stored session, and serve the local HTTP bridge.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/authstate"
	"github.com/panyam/pocketauth/config"
	"github.com/panyam/pocketauth/httpapi"
	"github.com/panyam/pocketauth/tokenstore"
)

const usage = `usage: pocketauth [-config file] [-force-clean] <command> [flags]

commands:
  signin          sign in with email and password
  signup          create an account
  signout         sign out and clear stored tokens
  whoami          print the current auth state
  status          print the auth state and stored token keys
  reset-password  send a password reset email
  clean           remove stored auth tokens
  serve           run the local HTTP bridge until interrupted
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// cli carries the streams and runtime of one invocation
type cli struct {
	rt     *runtime
	stdin  *bufio.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("pocketauth", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", envOr("POCKETAUTH_CONFIG", "pocketauth.yaml"), "path to the YAML config file")
	forceClean := global.Bool("force-clean", false, "remove stored auth tokens before starting")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}
	name, rest := global.Arg(0), global.Args()[1:]

	commands := map[string]func(context.Context, *cli, []string) error{
		"signin":         cmdSignIn,
		"signup":         cmdSignUp,
		"signout":        cmdSignOut,
		"whoami":         cmdWhoAmI,
		"status":         cmdStatus,
		"reset-password": cmdResetPassword,
		"clean":          cmdClean,
		"serve":          cmdServe,
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		global.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := cfg.Log.NewLogger(stderr)
	slog.SetDefault(logger)

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.close()
	if err := rt.start(ctx, *forceClean); err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}

	c := &cli{rt: rt, stdin: bufio.NewReader(stdin), stdout: stdout, stderr: stderr}
	if err := cmd(ctx, c, rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "%s: %s\n", name, pa.Message(err))
		return 1
	}
	return 0
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// password returns the flag value or reads one line from stdin
func (c *cli) password(given string) (string, error) {
	if given != "" {
		return given, nil
	}
	fmt.Fprint(c.stderr, "password: ")
	line, err := c.stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *cli) printState(s authstate.State) error {
	return c.printJSON(httpapi.StateResponse{State: s, Phase: s.Phase()})
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// settled waits until the coordinator is no longer loading
func (c *cli) settled(ctx context.Context) authstate.State {
	ctx, cancel := context.WithTimeout(ctx, c.rt.cfg.Server.SettleTimeout)
	defer cancel()

	done := make(chan struct{}, 1)
	unsubscribe := c.rt.coord.Subscribe(func(s authstate.State) {
		if !s.IsLoading {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if s := c.rt.coord.State(); !s.IsLoading {
		return s
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.rt.coord.State()
}

func cmdSignIn(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("signin")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (read from stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := c.password(*password)
	if err != nil {
		return err
	}
	if err := c.rt.coord.SignIn(ctx, pa.Credentials{Email: *email, Password: pw}); err != nil {
		return err
	}
	return c.printState(c.settled(ctx))
}

func cmdSignUp(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("signup")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (read from stdin when empty)")
	name := fs.String("name", "", "display name")
	redirect := fs.String("redirect", "", "where the confirmation link returns to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := c.password(*password)
	if err != nil {
		return err
	}
	res, err := c.rt.coord.SignUp(ctx, pa.SignUpRequest{
		Email:       *email,
		Password:    pw,
		DisplayName: *name,
		RedirectTo:  *redirect,
	})
	if err != nil {
		return err
	}
	if res.Session == nil {
		fmt.Fprintln(c.stderr, "check your email to confirm the account")
	}
	return c.printState(c.settled(ctx))
}

func cmdSignOut(ctx context.Context, c *cli, args []string) error {
	if err := c.flags("signout").Parse(args); err != nil {
		return err
	}
	c.rt.coord.SignOut(ctx)
	return c.printState(c.rt.coord.State())
}

func cmdWhoAmI(ctx context.Context, c *cli, args []string) error {
	if err := c.flags("whoami").Parse(args); err != nil {
		return err
	}
	return c.printState(c.settled(ctx))
}

// statusReport is printed by the status command
type statusReport struct {
	httpapi.StateResponse
	StorageKey  string   `json:"storage_key"`
	TokenKeys   []string `json:"token_keys"`
	Corrupted   bool     `json:"corrupted"`
	InFlight    int      `json:"in_flight"`
	HangFlagged bool     `json:"hang_flagged"`
}

func cmdStatus(ctx context.Context, c *cli, args []string) error {
	if err := c.flags("status").Parse(args); err != nil {
		return err
	}
	keys, err := c.rt.inspector.TokenKeys(ctx)
	if err != nil {
		return err
	}
	corrupted, err := c.rt.inspector.HasCorruptedTokenData(ctx)
	if err != nil {
		return err
	}
	_, flagged, err := c.rt.storage.Get(ctx, tokenstore.HangFlagKey)
	if err != nil {
		return err
	}
	s := c.settled(ctx)
	return c.printJSON(statusReport{
		StateResponse: httpapi.StateResponse{State: s, Phase: s.Phase()},
		StorageKey:    c.rt.sdk.StorageKey(),
		TokenKeys:     keys,
		Corrupted:     corrupted,
		InFlight:      c.rt.monitor.InFlight(),
		HangFlagged:   flagged,
	})
}

func cmdResetPassword(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("reset-password")
	email := fs.String("email", "", "account email")
	redirect := fs.String("redirect", "", "where the reset link returns to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.rt.coord.ResetPassword(ctx, *email, *redirect); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "password reset email sent")
	return nil
}

func cmdClean(ctx context.Context, c *cli, args []string) error {
	if err := c.flags("clean").Parse(args); err != nil {
		return err
	}
	if err := c.rt.coord.ClearTokens(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "stored auth tokens removed")
	return nil
}

func cmdServe(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("serve")
	listen := fs.String("listen", c.rt.cfg.Server.Listen, "address to listen on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	handler := httpapi.NewServer(c.rt.coord,
		httpapi.WithLogger(c.rt.logger),
		httpapi.WithSettleTimeout(c.rt.cfg.Server.SettleTimeout))
	srv := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	c.rt.logger.Info("serving auth bridge", "module", "cli", "operation", "serve", "addr", *listen)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.rt.logger.Warn("shutdown", "module", "cli", "error", err)
	}
	return runErr
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
