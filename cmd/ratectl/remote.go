package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/httpx"
)

// Remote commands talk to a running moneyrite service over its admin
// API. The service address comes from --addr or MONEYRITE_ADDR, the
// admin credential from ADMIN_TOKEN.

var remoteClient = &http.Client{Timeout: 10 * time.Second}

func remoteAddr(fs *flag.FlagSet) *string {
	def := strings.TrimSpace(os.Getenv("MONEYRITE_ADDR"))
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("addr", def, "moneyrite service address")
}

func callService(ctx context.Context, method, addr, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = b
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if token := strings.TrimSpace(os.Getenv("ADMIN_TOKEN")); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	url := strings.TrimRight(addr, "/") + path
	status, respBody, err := httpx.RequestJSON(ctx, remoteClient, method, url, body, headers, 2, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	if status < 200 || status > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s (status %d)", path, apiErr.Error, status)
		}
		return nil, fmt.Errorf("%s: status %d", path, status)
	}
	return respBody, nil
}

func printJSON(out io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(out, string(raw))
		return nil
	}
	fmt.Fprintln(out, buf.String())
	return nil
}

func setFlagEnabled(args []string, out io.Writer, enabled bool) error {
	name := "flag-enable"
	strategy := "on"
	if !enabled {
		name = "flag-disable"
		strategy = "off"
	}
	fs := newFlagSet(name)
	addr := remoteAddr(fs)
	flagName := fs.String("flag", "", "flag name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *flagName == "" {
		return errors.New("flag required")
	}

	raw, err := callService(context.Background(), http.MethodPatch, *addr, "/v1/flags/"+*flagName, map[string]interface{}{
		"enabled":  enabled,
		"strategy": strategy,
	})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func setPercentage(args []string, out io.Writer) error {
	fs := newFlagSet("set-percentage")
	addr := remoteAddr(fs)
	flagName := fs.String("flag", "", "flag name")
	percent := fs.Float64("percent", -1, "rollout percentage [0,100]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *flagName == "" {
		return errors.New("flag required")
	}
	if *percent < 0 || *percent > 100 {
		return errors.New("percent must be in [0,100]")
	}

	raw, err := callService(context.Background(), http.MethodPatch, *addr, "/v1/flags/"+*flagName, map[string]interface{}{
		"enabled":    true,
		"strategy":   "percentage",
		"percentage": *percent,
	})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func emergencyDisable(args []string, out io.Writer) error {
	fs := newFlagSet("emergency-disable")
	addr := remoteAddr(fs)
	flagName := fs.String("flag", "", "flag name")
	reason := fs.String("reason", "", "why the flag is being killed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *flagName == "" {
		return errors.New("flag required")
	}
	if *reason == "" {
		return errors.New("reason required")
	}

	raw, err := callService(context.Background(), http.MethodPost, *addr,
		"/v1/flags/"+*flagName+"/emergency-disable", map[string]string{"reason": *reason})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func canaryStatus(args []string, out io.Writer) error {
	fs := newFlagSet("canary-status")
	addr := remoteAddr(fs)
	flagName := fs.String("flag", "", "flag name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *flagName == "" {
		return errors.New("flag required")
	}

	raw, err := callService(context.Background(), http.MethodGet, *addr, "/v1/flags/"+*flagName, nil)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func promoteCanary(args []string, out io.Writer) error {
	fs := newFlagSet("promote-canary")
	addr := remoteAddr(fs)
	flagName := fs.String("flag", "", "flag name")
	force := fs.Bool("force", false, "promote even below the success threshold")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *flagName == "" {
		return errors.New("flag required")
	}

	raw, err := callService(context.Background(), http.MethodPost, *addr,
		"/v1/flags/"+*flagName+"/promote", map[string]bool{"force": *force})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func sloStatus(args []string, out io.Writer) error {
	fs := newFlagSet("slo-status")
	addr := remoteAddr(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := callService(context.Background(), http.MethodGet, *addr, "/v1/slo", nil)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}
