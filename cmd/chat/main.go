package main

import (
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/stiv2202/Proyecto-Redes/internal/config"
	"github.com/stiv2202/Proyecto-Redes/internal/logging"
	"github.com/stiv2202/Proyecto-Redes/internal/session"
	"github.com/stiv2202/Proyecto-Redes/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ctrl := session.New(cfg, logger, st)

	p := tea.NewProgram(
		newModel(ctrl),
		tea.WithAltScreen(),
	)

	// Bridge session events into the Bubble Tea loop.
	for _, et := range []session.EventType{
		session.EventConnected,
		session.EventDisconnected,
		session.EventMessage,
		session.EventPresence,
		session.EventError,
	} {
		ctrl.Events().Subscribe(et, func(ev session.EventMsg) {
			p.Send(ev)
		})
	}

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
