package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string

	owner        string
	exerciseID   string
	image        string
	ports        []int
	flagTemplate string
)

func main() {
	root := &cobra.Command{
		Use:   "instancer-cli",
		Short: "CLI client for challenge-instancer",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("INSTANCER_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&owner, "owner", "", "Owner (participant or team id)")
	root.PersistentFlags().StringVar(&exerciseID, "exercise", "", "Exercise id")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Provision an instance for an owner",
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&image, "image", "", "Challenge container image")
	startCmd.Flags().IntSliceVar(&ports, "port", []int{80}, "Container ports to expose")
	startCmd.Flags().StringVar(&flagTemplate, "flag-template", "", "Flag template (e.g. 'ctf{<hex>_<hex>}')")
	root.AddCommand(startCmd)

	root.AddCommand(&cobra.Command{
		Use:   "extend",
		Short: "Extend an instance's lifetime",
		RunE: func(_ *cobra.Command, _ []string) error {
			return post("/instances/extend", map[string]any{
				"owner":    owner,
				"exercise": exerciseID,
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop an instance",
		RunE: func(_ *cobra.Command, _ []string) error {
			return post("/instances/stop", map[string]any{
				"owner":    owner,
				"exercise": exerciseID,
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show an instance's status",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/instances/status?owner=" + owner + "&exercise=" + exerciseID)
		},
	})

	validateCmd := &cobra.Command{
		Use:   "validate [flag]",
		Short: "Submit a flag for validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return post("/flags/validate", map[string]any{
				"owner":    owner,
				"exercise": exerciseID,
				"flag":     args[0],
			})
		},
	}
	root.AddCommand(validateCmd)

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List recent audit events",
		RunE:  runEvents,
	}
	eventsCmd.Flags().Int("limit", 50, "Maximum events to return")
	root.AddCommand(eventsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(_ *cobra.Command, _ []string) error {
	if image == "" {
		return fmt.Errorf("--image is required")
	}
	return post("/instances", map[string]any{
		"owner": owner,
		"exercise": map[string]any{
			"id":            exerciseID,
			"image":         image,
			"ports":         ports,
			"flag_template": flagTemplate,
		},
	})
}

func runEvents(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	params := []string{"limit=" + strconv.Itoa(limit)}
	if owner != "" {
		params = append(params, "owner="+owner)
	}
	if exerciseID != "" {
		params = append(params, "exercise="+exerciseID)
	}
	return get("/events?" + strings.Join(params, "&"))
}

func post(path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return send(req)
}

func get(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return send(req)
}

func send(req *http.Request) error {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
