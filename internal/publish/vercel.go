package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/logging"
)

const providerVercel = "vercel"

var deployURL = regexp.MustCompile(`https?://[^\s]+\.vercel\.app`)

// ErrNoToken is returned when the Vercel publisher has no credential.
var ErrNoToken = errors.New("vercel token not set")

// Vercel deploys with the vercel CLI.
type Vercel struct {
	Bin     string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger

	// run executes the CLI; replaced in tests.
	run func(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, err error)
}

type vercelConfig struct {
	BuildCommand    *string `json:"buildCommand"`
	OutputDirectory string  `json:"outputDirectory"`
	DevCommand      *string `json:"devCommand"`
	InstallCommand  *string `json:"installCommand"`
}

func (v *Vercel) Publish(ctx context.Context, dir, name string) (string, error) {
	if v.Token == "" {
		return "", &Error{Provider: providerVercel, Err: ErrNoToken}
	}
	cfg, _ := json.Marshal(vercelConfig{OutputDirectory: "."})
	if err := os.WriteFile(filepath.Join(dir, "vercel.json"), cfg, 0o644); err != nil {
		return "", &Error{Provider: providerVercel, Err: fmt.Errorf("write vercel.json: %w", err)}
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	bin := v.Bin
	if bin == "" {
		bin = "vercel"
	}
	run := v.run
	if run == nil {
		run = runCommand
	}
	env := append(os.Environ(), "VERCEL_TOKEN="+v.Token)
	stdout, stderr, err := run(ctx, dir, env, bin, "--prod", "--token", v.Token, "--yes")
	if err != nil {
		return "", &Error{Provider: providerVercel, Output: strings.TrimSpace(stderr), Err: err}
	}
	if u := deployURL.FindString(stdout); u != "" {
		logging.OrNop(v.Logger).Info("deployed", zap.String("url", u))
		return u, nil
	}
	return "https://" + name + ".vercel.app", nil
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
