// status.go - "flexllama status": a tview terminal dashboard that polls the
// gateway's own /health endpoint.
//
// Grounded on the tview Application/Flex/TextView wiring tanrenai's client
// TUI uses (app.QueueUpdateDraw from a background ticker, a single root
// Flex), simplified to a read-only poll loop instead of a chat REPL.
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string
	var pollInterval time.Duration
	var noTUI bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Live terminal dashboard of runner and model health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noTUI {
				client := &http.Client{Timeout: 3 * time.Second}
				doc, err := fetchHealth(client, addr)
				if err != nil {
					return err
				}
				printPlain(doc)
				return nil
			}
			return runStatus(addr, pollInterval)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "gateway base URL")
	cmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "print a single colorized summary instead of the live dashboard")
	return cmd
}

type healthDoc struct {
	ActiveRunners       map[string]bool       `json:"active_runners"`
	RunnerCurrentModels map[string]*string    `json:"runner_current_models"`
	RunnerInfo          map[string]runnerInfo `json:"runner_info"`
	ModelHealth         map[string]modelHealth `json:"model_health"`
}

type runnerInfo struct {
	Host                       string   `json:"host"`
	Port                       int      `json:"port"`
	AutoUnloadTimeoutSeconds   float64  `json:"auto_unload_timeout_seconds"`
	AutoUnloadCountdownSeconds *float64 `json:"auto_unload_countdown_seconds"`
}

type modelHealth struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func runStatus(addr string, pollInterval time.Duration) error {
	app := tview.NewApplication()
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	view.SetBorder(true).SetTitle(" flexllama status: " + addr + " ")

	client := &http.Client{Timeout: 3 * time.Second}

	poll := func() {
		doc, err := fetchHealth(client, addr)
		app.QueueUpdateDraw(func() {
			if err != nil {
				view.SetText(fmt.Sprintf("[red::b]error contacting %s: %v[-:-:-]", addr, err))
				return
			}
			view.SetText(renderDashboard(doc))
		})
	}

	stop := make(chan struct{})
	go func() {
		poll()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	err := app.SetRoot(view, true).Run()
	close(stop)
	return err
}

func fetchHealth(client *http.Client, addr string) (*healthDoc, error) {
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var doc healthDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func renderDashboard(doc *healthDoc) string {
	var b strings.Builder

	b.WriteString("[blue::b]Runners[-:-:-]\n")
	runnerIDs := make([]string, 0, len(doc.ActiveRunners))
	for id := range doc.ActiveRunners {
		runnerIDs = append(runnerIDs, id)
	}
	sort.Strings(runnerIDs)
	for _, id := range runnerIDs {
		alive := doc.ActiveRunners[id]
		info := doc.RunnerInfo[id]
		tag := statusTag(alive)
		model := "-"
		if m := doc.RunnerCurrentModels[id]; m != nil {
			model = *m
		}
		countdown := ""
		if info.AutoUnloadCountdownSeconds != nil {
			countdown = fmt.Sprintf(" idle-unload in %.0fs", *info.AutoUnloadCountdownSeconds)
		}
		fmt.Fprintf(&b, "  %s %-12s %s:%-5d model=%-20s%s\n", tag, id, info.Host, info.Port, model, countdown)
	}

	b.WriteString("\n[blue::b]Models[-:-:-]\n")
	aliases := make([]string, 0, len(doc.ModelHealth))
	for alias := range doc.ModelHealth {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		h := doc.ModelHealth[alias]
		tag := modelStatusTag(h.Status)
		msg := h.Message
		if msg != "" {
			msg = " " + msg
		}
		fmt.Fprintf(&b, "  %s %-20s%s\n", tag, alias, msg)
	}

	b.WriteString("\n[gray::-]q or Ctrl+C to quit[-:-:-]")
	return b.String()
}

// statusTag and modelStatusTag mirror the ready=green, launching=yellow,
// failed=red semantics of color.New used elsewhere in the CLI, translated to
// tview's inline color tags since the dashboard renders inside tview, not a
// raw terminal writer.
func statusTag(alive bool) string {
	if alive {
		return "[green::b]●[-:-:-]"
	}
	return "[red::b]●[-:-:-]"
}

func modelStatusTag(status string) string {
	switch status {
	case "ok":
		return "[green::b]ready  [-:-:-]"
	case "loading":
		return "[yellow::b]loading[-:-:-]"
	case "not_loaded":
		return "[gray::-]unloaded[-:-:-]"
	case "not_running":
		return "[red::b]down   [-:-:-]"
	default:
		return "[red::b]error  [-:-:-]"
	}
}

// printPlain is used by --no-tui style non-interactive invocations: a
// colorized one-shot CLI summary via fatih/color instead of tview's inline
// color tags.
func printPlain(doc *healthDoc) {
	for id, alive := range doc.ActiveRunners {
		c := color.New(color.FgRed)
		if alive {
			c = color.New(color.FgGreen)
		}
		c.Printf("runner %s: alive=%v\n", id, alive)
	}
}
