package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// episodeUpdate is one completed episode, consumed by the dashboard or
// the plain log loop.
type episodeUpdate struct {
	WorkerID int
	Moves    int
	Reward   float32
	Version  int64
}

type dashboard struct {
	gamesPlayed int
	moves       int64
	inferences  int64
	startTime   time.Time
	recent      []string
	updates     chan episodeUpdate
}

func newDashboard(updates chan episodeUpdate) dashboard {
	return dashboard{
		startTime: time.Now(),
		updates:   updates,
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForUpdate(updates chan episodeUpdate) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (d dashboard) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(d.updates), tickCmd())
}

func (d dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return d, tea.Quit
		}
	case tickMsg:
		d.moves = totalMoves.Load()
		d.inferences = totalInferences.Load()
		return d, tickCmd()
	case episodeUpdate:
		d.gamesPlayed++
		line := fmt.Sprintf("Worker %d: moves=%d reward=%.2f model=v%d", msg.WorkerID, msg.Moves, msg.Reward, msg.Version)
		d.recent = append([]string{line}, d.recent...)
		if len(d.recent) > 10 {
			d.recent = d.recent[:10]
		}
		return d, waitForUpdate(d.updates)
	}
	return d, nil
}

func (d dashboard) View() string {
	duration := time.Since(d.startTime)
	gamesPerSec := float64(d.gamesPlayed) / duration.Seconds()
	movesPerSec := float64(d.moves) / duration.Seconds()
	inferencesPerSec := float64(d.inferences) / duration.Seconds()
	if duration.Seconds() < 1 {
		gamesPerSec = 0
		movesPerSec = 0
		inferencesPerSec = 0
	}

	s := fmt.Sprintf("Games Played:     %d\n", d.gamesPlayed)
	s += fmt.Sprintf("Total Moves:      %d\n", d.moves)
	s += fmt.Sprintf("Total Inferences: %d\n", d.inferences)
	s += fmt.Sprintf("Duration:         %s\n", duration.Round(time.Second))
	s += fmt.Sprintf("Games/Sec:        %.2f\n", gamesPerSec)
	s += fmt.Sprintf("Moves/Sec:        %.2f\n", movesPerSec)
	s += fmt.Sprintf("Inferences/Sec:   %.2f\n\n", inferencesPerSec)

	s += "Recent Episodes:\n"
	for _, line := range d.recent {
		s += line + "\n"
	}

	s += "\nPress q to quit.\n"
	return s
}
