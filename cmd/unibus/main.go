package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/drivup/unibus/internal/app"
	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/config"
	"github.com/drivup/unibus/internal/identity"
	"github.com/drivup/unibus/internal/lock"
	"github.com/drivup/unibus/internal/status"
	"github.com/drivup/unibus/internal/store"
	intsync "github.com/drivup/unibus/internal/sync"
	"github.com/drivup/unibus/internal/tui"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := identity.Resolve(*profileFlag)
	if err := identity.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(identity.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.Load(profileName)
	if err != nil {
		if errors.Is(err, identity.ErrNotAuthenticated) {
			fmt.Fprintf(os.Stderr, "profile %q is not logged in\nrun: unibusctl login --user-id <id> --token <token>\n", profileName)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	var deps struct {
		fx.In

		DB      *store.DB
		Engine  *intsync.Engine
		Thread  *intsync.Thread
		List    *intsync.List
		Machine *status.Machine
		Bus     *bus.Bus
		Logger  *zap.Logger
	}

	fxApp := fx.New(
		fx.NopLogger,
		app.Module(app.Params{
			Profile:  profileName,
			Config:   cfg,
			Identity: id,
		}),
		fx.Populate(&deps),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "profile %q is already in use by pid %d\n", profileName, held.PID)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	ui := tui.NewApp(tui.Params{
		DB:       deps.DB,
		Engine:   deps.Engine,
		Thread:   deps.Thread,
		List:     deps.List,
		Machine:  deps.Machine,
		Bus:      deps.Bus,
		ViewerID: id.UserID,
		Profile:  profileName,
		Logger:   deps.Logger,
	})

	runErr := ui.Run()
	ui.Stop()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := fxApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
