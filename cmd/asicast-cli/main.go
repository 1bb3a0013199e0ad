package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"asicast/internal/auth"
)

func main() {
	var (
		addrF    = flag.String("url", "http://localhost:9002", "URL of the asicast server")
		tokenF   = flag.String("token", os.Getenv("ASICAST_TOKEN"), "Bearer token (default $ASICAST_TOKEN)")
		timeoutF = flag.Int("timeout", 30, "Maximum number of seconds to wait for a response")
		verboseF = flag.Bool("verbose", false, "Print request and response details")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verboseF {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	u, err := url.Parse(*addrF)
	if err != nil || u.Host == "" {
		fmt.Fprintf(os.Stderr, "invalid URL %q\n", *addrF)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := doHTTP(u.Scheme, u.Host, *tokenF, *timeoutF, *verboseF, logger)
	if err := run(ctx, c, flag.Arg(0), flag.Args()[1:], logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *apiClient, cmd string, args []string, logger zerolog.Logger) error {
	switch cmd {
	case "hash-password":
		if len(args) != 1 {
			return errors.New("usage: hash-password PASSWORD")
		}
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		user := fs.String("user", "admin", "Username")
		password := fs.String("password", os.Getenv("ASICAST_PASSWORD"), "Password (default $ASICAST_PASSWORD)")
		fs.Parse(args)
		token, expires, err := c.login(ctx, *user, *password)
		if err != nil {
			return err
		}
		logger.Info().Time("expires_at", expires).Msg("logged in")
		fmt.Println(token)
		return nil

	case "status":
		return printJSON(ctx, c, "/api/status")
	case "controls":
		return printJSON(ctx, c, "/api/controls")
	case "sessions":
		return printJSON(ctx, c, "/api/sessions")

	case "send":
		if len(args) == 0 {
			return errors.New("usage: send COMMAND, e.g. send SET_GAIN:250")
		}
		return c.command(ctx, strings.Join(args, " "))

	case "snapshot":
		fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
		out := fs.String("o", "snapshot.jpg", "Output file")
		fs.Parse(args)
		data, err := c.snapshot(ctx)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			return err
		}
		logger.Info().Str("file", *out).Int("bytes", len(data)).Msg("snapshot saved")
		return nil

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		count := fs.Int("n", 0, "Stop after this many frames (0 runs until interrupted)")
		dir := fs.String("dir", "", "Save every frame as a JPEG in this directory")
		fs.Parse(args)
		return watch(ctx, c, *count, *dir, logger)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func printJSON(ctx context.Context, c *apiClient, path string) error {
	var v any
	if err := c.getJSON(ctx, path, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// watch subscribes to the image stream and reports each frame
func watch(ctx context.Context, c *apiClient, count int, dir string, logger zerolog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	last := time.Now()
	for n := 1; count == 0 || n <= count; n++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		data, err := base64.StdEncoding.DecodeString(string(msg))
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		now := time.Now()
		ev := logger.Info().Int("frame", n).Int("bytes", len(data)).Dur("since_last", now.Sub(last))
		last = now
		if dir != "" {
			name := filepath.Join(dir, fmt.Sprintf("frame-%05d.jpg", n))
			if err := os.WriteFile(name, data, 0o644); err != nil {
				return err
			}
			ev = ev.Str("file", name)
		}
		ev.Msg("frame received")
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the asicast server.

Usage:
    %s [-url URL] [-token TOKEN] [-timeout SECONDS] [-verbose] COMMAND [ARGS]

Commands:
    login -user NAME -password PASSWORD   print a bearer token
    status                                 session counters and source info
    controls                               current control values
    sessions                               recorded capture sessions
    send COMMAND                           send a command, e.g. SET_EXPOSURE:250
    snapshot [-o FILE]                     save the last broadcast image
    watch [-n N] [-dir DIR]                subscribe to the image stream
    hash-password PASSWORD                 print a bcrypt hash for the config file

Example:
    %s -url http://observatory:9002 send SET_GAIN:250
`, os.Args[0], os.Args[0], os.Args[0])
}
