package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kilupskalvis/hopscotch/internal/llm"
)

// defaultValidate is the built-in self-verification step: the configured
// validate_command when present, otherwise one model-judged validation unit
// that must end with the completion marker.
func (r *Runner) defaultValidate(ctx context.Context) error {
	if len(r.cfg.Runner.ValidateCommand) > 0 {
		return r.runValidateCommand(ctx)
	}
	return r.modelValidate(ctx)
}

func (r *Runner) runValidateCommand(ctx context.Context) error {
	argv := r.cfg.Runner.ValidateCommand
	r.logger.Info("running validate command", "command", strings.Join(argv, " "))

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.wsPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("validate command failed: %w\n%s", err, truncate(strings.TrimSpace(string(out)), maxToolOutput))
	}
	return nil
}

// modelValidate asks the model itself to inspect the workspace and issue a
// verdict. Deploy tools stay disabled so a validation run cannot bootstrap
// or roll back on its own.
func (r *Runner) modelValidate(ctx context.Context) error {
	msgs := []llm.Message{
		{Role: "system", Content: r.prompt},
		{Role: "user", Content: validationInstruction(r.branch)},
	}

	res, err := r.converse(ctx, msgs, false)
	if err != nil {
		return err
	}
	switch {
	case res.completed:
		return nil
	case res.failed:
		return errors.New("model judged the branch unsound")
	default:
		return errors.New("validation unit ended without a verdict")
	}
}
