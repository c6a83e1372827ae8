package main

import (
	"context"
	"fmt"
	"os"

	"github.com/miniwf/wordfinder/internal/api"
	"github.com/miniwf/wordfinder/internal/bus"
	"github.com/miniwf/wordfinder/internal/config"
	"github.com/miniwf/wordfinder/internal/credits"
	"github.com/miniwf/wordfinder/internal/guard"
	"github.com/miniwf/wordfinder/internal/httpx"
	"github.com/miniwf/wordfinder/internal/lifecycle"
	"github.com/miniwf/wordfinder/internal/logging"
	"github.com/miniwf/wordfinder/internal/sched"
	"github.com/miniwf/wordfinder/internal/session"
	"github.com/miniwf/wordfinder/internal/store"
	"github.com/miniwf/wordfinder/internal/swr"
	"github.com/miniwf/wordfinder/internal/tui"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := logging.Open(cfg.LogFile)
	if err != nil {
		fmt.Printf("Error opening log: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	st, err := store.New(cfg.SaveDir, log)
	if err != nil {
		fmt.Printf("Error opening save dir: %v\n", err)
		os.Exit(1)
	}

	evbus := bus.New(log)
	defer evbus.Close()

	life := lifecycle.New(context.Background(), log)
	defer life.Destroy()

	tasks := sched.New(log)
	defer tasks.Stop()

	hc := httpx.New(cfg.BaseURL, log,
		httpx.WithCSRFToken(cfg.CSRFToken),
		httpx.WithTimeout(cfg.RequestTimeout))
	client := api.New(hc, log)
	wallet := credits.New(client, swr.New(log), st, evbus, log)

	category := cfg.Category
	if category == "" {
		category = st.Preference("category")
	} else if err := st.SetPreference("category", category); err != nil {
		log.Warn("persist category preference failed")
	}

	mgr := session.New(session.Config{
		Mode:     cfg.Mode,
		Daily:    cfg.Daily,
		Category: category,
		HintsMax: cfg.HintsMax,
	}, session.Deps{
		API:    client,
		Store:  st,
		Wallet: wallet,
		Bus:    evbus,
		Guard:  guard.New(log),
		Life:   life,
		Tasks:  tasks,
		Log:    log,
	})

	if err := tui.Run(mgr, wallet, life); err != nil {
		fmt.Printf("Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
