package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/config"
	"github.com/nestly/inbox/internal/daemon"
	"github.com/nestly/inbox/internal/inbox"
	"github.com/nestly/inbox/internal/session"
	"github.com/nestly/inbox/internal/transport"
	"github.com/nestly/inbox/internal/tui"
	"github.com/nestly/inbox/internal/tui/model"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	withFlag := flag.String("with", "", "open the conversation with this user id")
	nameFlag := flag.String("name", "", "display name for --with when the conversation is new")
	bookingFlag := flag.String("booking", "", "open the conversation of this booking")
	headless := flag.Bool("headless", false, "run without the terminal UI, logging to stderr")
	initFlag := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initFlag {
		if err := writeDefaultConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	profile, err := session.Resolve(*profileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := daemon.Params{
		Profile: profile,
		Link: inbox.DeepLink{
			CounterpartID:   *withFlag,
			CounterpartName: *nameFlag,
			BookingID:       *bookingFlag,
		},
	}

	if *headless {
		p.Console = os.Stderr
		fx.New(daemon.Module(p), fx.WithLogger(zapEvents)).Run()
		return
	}
	if err := runTUI(p); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runTUI(p daemon.Params) error {
	var (
		client *inbox.Client
		ws     *transport.WS
	)
	app := fx.New(daemon.Module(p), fx.Populate(&client, &ws), fx.WithLogger(zapEvents))
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}

	vm := model.New(client, p.Profile, func() string { return string(ws.State().Current()) })
	runErr := tui.NewApp(vm, client.Identity().UserID).Run()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return errors.Join(runErr, app.Stop(stopCtx))
}

// zapEvents sends fx's own lifecycle events to the profile log instead of
// the terminal.
func zapEvents(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
}

func writeDefaultConfig() error {
	path := session.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote %s; set api_base_url, socket_url and token (or INBOX_* variables) before starting\n", path)
	return nil
}
