package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/issuestore"
)

// stageStyle resolves a dot-path's configured color (StageDef.Color, e.g.
// "212" or "#ffcc00") into a lipgloss style, falling back to the terminal's
// default foreground when no color is configured or output isn't a table.
func stageStyle(cfg *config.Config, dotPath string) lipgloss.Style {
	stage, _ := cfg.StageFor(dotPath)
	if stage.Color == "" {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(stage.Color))
}

func styledStage(a *app, dotPath string) string {
	if GetOutput() != "table" {
		return dotPath
	}
	return stageStyle(a.Config, dotPath).Render(dotPath)
}

// withSpinner runs fn with a progress spinner on stdout, for blocking
// polls like wait_for_prompt or sync's git round-trip. Suppressed outside
// table output, where a spinner's carriage-return redraws would corrupt
// machine-readable output.
func withSpinner(label string, fn func() error) error {
	if GetOutput() != "table" {
		return fn()
	}
	s := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
	s.Suffix = " " + label
	s.Start()
	defer s.Stop()
	return fn()
}

func renderIssues(a *app, issues []*issuestore.Issue) error {
	if GetOutput() == "json" {
		data, err := json.MarshalIndent(issues, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if len(issues) == 0 {
		fmt.Println("no issues")
		return nil
	}
	fmt.Printf("%-5s %-10s %-28s %-10s %-30s\n", "ID", "PRIORITY", "STAGE", "AGE", "TITLE")
	for _, issue := range issues {
		age := humanize.Time(issue.Updated)
		fmt.Printf("%03d   %-10s %-28s %-10s %-30s\n", issue.ID, issue.Priority, styledStage(a, issue.Stage), age, issue.Title)
	}
	return nil
}
