package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/shell"
)

// moduleResolver locates the helper modules a driver depends on using npm.
// Both roots are computed at most once.
type moduleResolver struct {
	runner shell.Runner
	npm    string
	dir    string
	logger *zap.Logger

	local, global string
	hasLocal      bool
	hasGlobal     bool
}

func newModuleResolver(runner shell.Runner, npm, dir string, logger *zap.Logger) *moduleResolver {
	return &moduleResolver{runner: runner, npm: npm, dir: dir, logger: logger}
}

// resolve returns the installation directory of name. It looks in the project
// root first, then in the global root, and installs the module globally when
// neither has it.
func (r *moduleResolver) resolve(ctx context.Context, name string) (string, error) {
	local, err := r.localRoot(ctx)
	if err != nil {
		return "", err
	}
	if path := filepath.Join(local, name); isDir(path) {
		r.logger.Debug("Module found locally.", zap.String("module", name), zap.String("path", path))
		return path, nil
	}

	global, err := r.globalRoot(ctx)
	if err != nil {
		return "", err
	}
	path := filepath.Join(global, name)
	if isDir(path) {
		r.logger.Debug("Module found globally.", zap.String("module", name), zap.String("path", path))
		return path, nil
	}

	r.logger.Info("Installing module globally.", zap.String("module", name))
	if _, err := r.npmRun(ctx, "install", name, "-g"); err != nil {
		return "", err
	}
	if !isDir(path) {
		return "", fmt.Errorf("%w: %s is missing from %s after install", ErrNPMFailed, name, global)
	}
	return path, nil
}

func (r *moduleResolver) localRoot(ctx context.Context) (string, error) {
	if !r.hasLocal {
		out, err := r.npmRun(ctx, "root")
		if err != nil {
			return "", err
		}
		r.local, r.hasLocal = out, true
	}
	return r.local, nil
}

func (r *moduleResolver) globalRoot(ctx context.Context) (string, error) {
	if !r.hasGlobal {
		out, err := r.npmRun(ctx, "root", "--global")
		if err != nil {
			return "", err
		}
		r.global, r.hasGlobal = out, true
	}
	return r.global, nil
}

// npmRun runs npm and returns its trimmed standard output. Any failure is an
// ErrNPMFailed.
func (r *moduleResolver) npmRun(ctx context.Context, args ...string) (string, error) {
	cmd := shell.Command{Name: r.npm, Args: args, Dir: r.dir}
	res, err := r.runner.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNPMFailed, cmd, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
