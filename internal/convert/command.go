package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"studyflow/internal/domain"
)

// Command converts files by running an external tool (markitdown, docling,
// pandoc...) that prints the converted document on stdout. The input path is
// appended to Args.
type Command struct {
	Name string
	Args []string
}

func (c Command) Convert(ctx context.Context, path string) (string, error) {
	if c.Name == "" {
		return "", fmt.Errorf("%w: converter command is required", domain.ErrValidation)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		return "", err
	}

	args := append(append([]string(nil), c.Args...), path)
	cmd := exec.CommandContext(ctx, c.Name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s failed: %v; stderr=%s", domain.ErrCollaboratorAPI, c.Name, err, trim(stderr.String()))
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", fmt.Errorf("%w: %s produced no text for %s", domain.ErrCollaboratorAPI, c.Name, path)
	}
	return text, nil
}

func trim(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
