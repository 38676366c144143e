package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	APIKey    string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Admin-API-Key", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func main() {
	var (
		baseURL = envOr("STEKD_ADMIN_URL", "http://localhost:8070")
		apiKey  = envOr("STEKD_ADMIN_KEY", "")
		out     = envOr("STEKD_OUT", "text")
		timeout = 30 * time.Second
	)

	root := &cobra.Command{
		Use:   "stekctl",
		Short: "CLI admin para stekd (claves de ticket TLS)",
	}
	root.PersistentFlags().StringVar(&baseURL, "admin-api-url", baseURL, "URL base del Admin API (env STEKD_ADMIN_URL)")
	root.PersistentFlags().StringVar(&apiKey, "admin-api-key", apiKey, "API key del Admin API (env STEKD_ADMIN_KEY)")
	root.PersistentFlags().StringVar(&out, "out", out, "formato de salida: text|json (env STEKD_OUT)")

	newClient := func() *client {
		return &client{
			BaseURL:   baseURL,
			APIKey:    apiKey,
			OutFormat: out,
			HTTP:      &http.Client{Timeout: timeout},
		}
	}
	requireKey := func(cmd *cobra.Command, args []string) error {
		if apiKey == "" {
			return fmt.Errorf("falta API key (flag --admin-api-key o env STEKD_ADMIN_KEY)")
		}
		return nil
	}

	keys := &cobra.Command{Use: "keys", Short: "Operaciones sobre claves de ticket"}

	keysList := &cobra.Command{
		Use:     "list",
		Short:   "Lista las claves vivas (metadata, nunca secretos)",
		PreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			status, body, err := c.do(http.MethodGet, "/v1/admin/keys", nil)
			if err != nil {
				return err
			}
			c.print(status, body)
			return nil
		},
	}

	keysRotate := &cobra.Command{
		Use:     "rotate",
		Short:   "Promueve una clave nueva a current",
		PreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			status, body, err := c.do(http.MethodPost, "/v1/admin/keys/rotate", nil)
			if err != nil {
				return err
			}
			c.print(status, body)
			return nil
		},
	}

	keygen := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Genera un archivo de clave de 48 bytes (formato nginx/openssl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := make([]byte, 48)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("random: %w", err)
			}
			if err := os.WriteFile(args[0], b, 0600); err != nil {
				return err
			}
			fmt.Println("written", args[0])
			return nil
		},
	}

	keys.AddCommand(keysList, keysRotate)
	root.AddCommand(keys, keygen)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
