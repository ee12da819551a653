// list.go - "flexllama list"/"flexllama ps": plain listings of configured
// models and live runner status, table-rendered the way "ollama list" and
// "ollama ps" render theirs.
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "gateway base URL")
	return cmd
}

func newPsCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List runners and the model each currently has loaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPs(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "gateway base URL")
	return cmd
}

type modelListEntry struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
}

type modelsDoc struct {
	Data []modelListEntry `json:"data"`
}

type runnerEntry struct {
	Snapshot struct {
		CurrentModel  string `json:"CurrentModel"`
		Status        string `json:"Status"`
		InFlightCount int    `json:"InFlightCount"`
		Host          string `json:"Host"`
		Port          int    `json:"Port"`
		Alive         bool   `json:"Alive"`
	} `json:"snapshot"`
	Aliases []string `json:"aliases"`
}

type runnersDoc struct {
	Runners map[string]runnerEntry `json:"runners"`
}

func runList(addr string) error {
	var doc modelsDoc
	if err := getJSON(addr, "/v1/models", &doc); err != nil {
		return err
	}

	data := make([][]string, 0, len(doc.Data))
	for _, m := range doc.Data {
		data = append(data, []string{m.ID, m.OwnedBy})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ALIAS", "OWNED BY"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func runPs(addr string) error {
	var doc runnersDoc
	if err := getJSON(addr, "/v1/runners", &doc); err != nil {
		return err
	}

	ids := make([]string, 0, len(doc.Runners))
	for id := range doc.Runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data := make([][]string, 0, len(ids))
	for _, id := range ids {
		e := doc.Runners[id]
		model := e.Snapshot.CurrentModel
		if model == "" {
			model = "-"
		}
		data = append(data, []string{
			id,
			model,
			e.Snapshot.Status,
			fmt.Sprintf("%d", e.Snapshot.InFlightCount),
			fmt.Sprintf("%s:%d", e.Snapshot.Host, e.Snapshot.Port),
			strings.Join(e.Aliases, ","),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"RUNNER", "MODEL", "STATUS", "IN-FLIGHT", "ADDR", "ALIASES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func getJSON(addr, path string, out any) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
