package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/indicate-spe/spe-core/pkg/client"
)

// studyMeta is the YAML metadata file accepted by register --meta.
type studyMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Researcher  string `yaml:"researcher"`
	Institution string `yaml:"institution"`
}

// getClient creates a client from cobra command flags.
func getClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")

	return client.NewClient(client.Config{
		BaseURL: server,
		Token:   token,
		Timeout: 5 * time.Minute,
	})
}

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <script-file>",
		Short: "Register a study script",
		Long:  `Register a study script (.R, .py, or .js) with optional metadata`,
		Args:  cobra.ExactArgs(1),
		RunE:  runRegister,
	}

	cmd.Flags().StringP("name", "n", "", "Study name")
	cmd.Flags().StringP("description", "d", "", "Study description")
	cmd.Flags().String("researcher", "", "Researcher name")
	cmd.Flags().String("institution", "", "Institution name")
	cmd.Flags().String("kind", "", "Script kind (R, python, javascript); inferred from extension if omitted")
	cmd.Flags().StringP("meta", "m", "", "YAML metadata file; flags override its fields")

	return cmd
}

func runRegister(cmd *cobra.Command, args []string) error {
	scriptPath := args[0]

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script file: %w", err)
	}

	var meta studyMeta
	if metaPath, _ := cmd.Flags().GetString("meta"); metaPath != "" {
		metaData, err := os.ReadFile(metaPath)
		if err != nil {
			return fmt.Errorf("failed to read metadata file: %w", err)
		}
		if err := yaml.Unmarshal(metaData, &meta); err != nil {
			return fmt.Errorf("failed to parse metadata YAML: %w", err)
		}
	}

	if v, _ := cmd.Flags().GetString("name"); v != "" {
		meta.Name = v
	}
	if v, _ := cmd.Flags().GetString("description"); v != "" {
		meta.Description = v
	}
	if v, _ := cmd.Flags().GetString("researcher"); v != "" {
		meta.Researcher = v
	}
	if v, _ := cmd.Flags().GetString("institution"); v != "" {
		meta.Institution = v
	}
	kind, _ := cmd.Flags().GetString("kind")

	c := getClient(cmd)
	study, err := c.RegisterStudy(context.Background(), client.RegisterRequest{
		Filename:    filepath.Base(scriptPath),
		Script:      script,
		Name:        meta.Name,
		Description: meta.Description,
		Researcher:  meta.Researcher,
		Institution: meta.Institution,
		Kind:        kind,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Study registered: %s\n", study.ID)
	fmt.Printf("Name: %s\n", study.Name)
	fmt.Printf("Type: %s (%s)\n", study.StudyType, study.ScriptKind)
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered studies",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	c := getClient(cmd)

	studies, err := c.ListStudies(context.Background())
	if err != nil {
		return err
	}

	if len(studies) == 0 {
		fmt.Println("No studies registered")
		return nil
	}

	fmt.Printf("%-36s  %-12s  %-20s  %s\n", "STUDY ID", "KIND", "TYPE", "NAME")
	for _, s := range studies {
		fmt.Printf("%-36s  %-12s  %-20s  %s\n", s.ID, s.ScriptKind, s.StudyType, s.Name)
	}
	return nil
}

func newExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <study-id>",
		Short: "Execute a registered study",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecute,
	}

	cmd.Flags().DurationP("timeout", "t", 0, "Execution timeout (default: server-configured)")

	return cmd
}

func runExecute(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c := getClient(cmd)
	exec, err := c.Execute(context.Background(), args[0], timeout)
	if err != nil {
		return err
	}

	fmt.Printf("Execution submitted: %s\n", exec.ID)
	fmt.Printf("Status: %s\n", exec.Status)
	return nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <study-id> <execution-id>",
		Short: "Get execution status",
		Args:  cobra.ExactArgs(2),
		RunE:  runStatus,
	}

	cmd.Flags().BoolP("watch", "w", false, "Watch until the execution completes")

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	c := getClient(cmd)

	for {
		exec, err := c.Status(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}

		fmt.Printf("Execution: %s\n", exec.ID)
		fmt.Printf("Status: %s\n", exec.Status)
		if exec.CompletedAt != nil {
			fmt.Printf("Completed: %s\n", exec.CompletedAt.Format(time.RFC3339))
			if exec.ErrorMessage != "" {
				fmt.Printf("Error: %s\n", exec.ErrorMessage)
			}
		}

		if !watch || terminal(exec.Status) {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Println("---")
	}

	return nil
}

func terminal(status string) bool {
	switch status {
	case "SUCCEEDED", "FAILED", "TIMED_OUT":
		return true
	}
	return false
}

func newResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <study-id> <execution-id>",
		Short: "Fetch the result payload of a completed execution",
		Args:  cobra.ExactArgs(2),
		RunE:  runResults,
	}
}

func runResults(cmd *cobra.Command, args []string) error {
	c := getClient(cmd)

	payload, err := c.Results(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}

	var pretty map[string]interface{}
	if json.Unmarshal(payload, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(string(payload))
	return nil
}

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <study-id> <execution-id>",
		Short: "Fetch the captured log of an execution",
		Args:  cobra.ExactArgs(2),
		RunE:  runLogs,
	}
}

func runLogs(cmd *cobra.Command, args []string) error {
	c := getClient(cmd)

	logText, err := c.Logs(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Print(logText)
	return nil
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show clinical dataset summary statistics",
		RunE:  runSummary,
	}
}

func runSummary(cmd *cobra.Command, args []string) error {
	c := getClient(cmd)

	summary, err := c.DatasetSummary(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Patients: %d\n", summary.TotalPatients)
	fmt.Printf("Visits: %d\n", summary.TotalVisits)
	fmt.Printf("ICU stays: %d\n", summary.ICUStays)
	fmt.Printf("Date range: %s to %s\n", summary.DateRange["earliest"], summary.DateRange["latest"])
	fmt.Printf("Domains: %v\n", summary.AvailableDomains)
	return nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	c := getClient(cmd)

	health, err := c.Health(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Data store: %s\n", health.DataStore)
	return nil
}
