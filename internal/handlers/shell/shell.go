package shell

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

// Shell runs args[0] with args[1:] as its arguments. No shell is involved,
// so no word splitting or expansion takes place.
type Shell struct {
	// Dir is the working directory; empty means the current one.
	Dir string
}

func (h Shell) Execute(ctx context.Context, args []string) (domain.Outcome, error) {
	if len(args) == 0 || args[0] == "" {
		return domain.Outcome{}, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = h.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return domain.Completed(), nil
}
