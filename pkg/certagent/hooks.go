package certagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const DefaultHookTimeout = 30 * time.Second

// CommandHook runs an external program (e.g. "systemctl reload nginx") with the certificate
// path appended as the last argument
func CommandHook(command []string, timeout time.Duration) (Hook, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("empty reload command")
	}

	if timeout == 0 {
		timeout = DefaultHookTimeout
	}

	return func(ctx context.Context, certificatePath string) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		args := append(append([]string{}, command[1:]...), certificatePath)

		output := &bytes.Buffer{}

		//nolint:gosec // command comes from the operator's config
		cmd := exec.CommandContext(ctx, command[0], args...)
		cmd.Stdout = output
		cmd.Stderr = output

		if err := cmd.Run(); err != nil {
			return fmt.Errorf(
				"%s: %w: %s",
				strings.Join(command, " "),
				err,
				strings.TrimSpace(output.String()))
		}

		return nil
	}, nil
}
