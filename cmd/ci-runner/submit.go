package main

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <project-dir>",
	Short: "Zip a project directory and submit it for a streamed test run",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().String("server-url", "", "base URL of the ci-runner API (overrides CI_RUNNER_SERVER_URL and config file)")
	submitCmd.Flags().String("api-key", "", "bearer credential (overrides CI_RUNNER_API_KEY and config file)")
	submitCmd.Flags().String("config", "", "path to a key=value config file (default ~/.ci-runner/config)")
}

// clientConfig resolves server_url and api_key in the priority order fixed
// by spec §6: explicit flag, environment variable, config file.
type clientConfig struct {
	ServerURL string
	APIKey    string
}

func resolveClientConfig(cmd *cobra.Command) (clientConfig, error) {
	file, err := readConfigFile(cmd)
	if err != nil {
		return clientConfig{}, err
	}

	cfg := clientConfig{
		ServerURL: file["server_url"],
		APIKey:    file["api_key"],
	}
	if v := os.Getenv("CI_RUNNER_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("CI_RUNNER_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("api-key"); v != "" {
		cfg.APIKey = v
	}

	if cfg.ServerURL == "" {
		return cfg, fmt.Errorf("server_url not set (use --server-url, CI_RUNNER_SERVER_URL, or a config file)")
	}
	if cfg.APIKey == "" {
		return cfg, fmt.Errorf("api_key not set (use --api-key, CI_RUNNER_API_KEY, or a config file)")
	}
	return cfg, nil
}

func readConfigFile(cmd *cobra.Command) (map[string]string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return map[string]string{}, nil
		}
		path = filepath.Join(home, ".ci-runner", "config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	values := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return values, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := resolveClientConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	zipped, err := zipDirectory(args[0])
	if err != nil {
		return fmt.Errorf("zip project: %w", err)
	}

	body, contentType, err := multipartBody(zipped)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.ServerURL, "/")+"/submit-stream", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			os.Exit(130)
		}
		return fmt.Errorf("submit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	success, err := readEventStream(ctx, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			os.Exit(130)
		}
		return err
	}
	if !success {
		os.Exit(1)
	}
	return nil
}

// readEventStream prints log lines as they arrive and returns the job's
// final success value from the terminal complete event.
func readEventStream(ctx context.Context, r io.Reader) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var msg struct {
			Type    string `json:"type"`
			JobID   string `json:"job_id"`
			Data    string `json:"data"`
			Success *bool  `json:"success"`
		}
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "job_id":
			fmt.Fprintf(os.Stderr, "job id: %s\n", msg.JobID)
		case "log":
			fmt.Print(msg.Data)
		case "complete":
			if msg.Success != nil {
				return *msg.Success, nil
			}
			return false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, fmt.Errorf("stream closed before a terminal event was received")
}

func multipartBody(zipped []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("project", "project.zip")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(zipped); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// zipDirectory archives dir's contents (paths relative to dir) into an
// in-memory zip, for upload to /submit-stream.
func zipDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			_, err := writer.Create(rel + "/")
			return err
		}

		entry, err := writer.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
