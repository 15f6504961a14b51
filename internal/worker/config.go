package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dutlab/hilrun/internal/plan"
	"github.com/dutlab/hilrun/internal/procrun"
)

// CommandConfig describes an exec-style workload: an external binary whose
// output is streamed into the event channel.
type CommandConfig struct {
	Command struct {
		Path    string            `mapstructure:"path"`
		Args    []string          `mapstructure:"args"`
		Env     map[string]string `mapstructure:"env"`
		Dir     string            `mapstructure:"dir"`
		Timeout time.Duration     `mapstructure:"timeout"`
	} `mapstructure:"command"`
}

// ParseCommandConfig reads one workloads.<id> section.
func ParseCommandConfig(id string) (CommandConfig, error) {
	key := "workloads." + id
	if !viper.IsSet(key) {
		return CommandConfig{}, fmt.Errorf("workload %q not configured", id)
	}
	var cfg CommandConfig
	if err := viper.UnmarshalKey(key, &cfg); err != nil {
		return CommandConfig{}, fmt.Errorf("workload %q: %w", id, err)
	}
	if cfg.Command.Path == "" {
		return CommandConfig{}, fmt.Errorf("workload %q has no command path", id)
	}
	return cfg, nil
}

func (c CommandConfig) Cmd() procrun.Command {
	env := make([]string, 0, len(c.Command.Env))
	for k, v := range c.Command.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return procrun.Command{
		Path:    c.Command.Path,
		Args:    c.Command.Args,
		Env:     env,
		Dir:     c.Command.Dir,
		Timeout: c.Command.Timeout,
	}
}

// ExecWorkload wraps an external command as a Workload. Stdout and stderr
// lines both flow into the run's line sink; the command's exit code is the
// workload's.
func ExecWorkload(cfg CommandConfig) Workload {
	return func(ctx context.Context, env Env) int {
		cmd := cfg.Cmd()
		cmd.Stdout = env.Output
		// inherit the process environment; configured keys win
		cmd.Env = append(os.Environ(), cmd.Env...)
		// external stability workloads advance the loop counter themselves
		if fs, ok := env.Store.(*plan.FileStore); ok {
			cmd.Env = append(cmd.Env, plan.StatePathEnv+"="+fs.Path())
		}

		runner := procrun.NewRunner()
		err := runner.Start(ctx, cmd, func(_ context.Context, line string) {
			fmt.Fprintln(env.Output, line)
		})
		if err != nil {
			env.Logger.Error("starting workload command", "path", cmd.Path, "err", err)
			return 1
		}
		res := <-runner.Done()
		code := res.ExitCode()
		if code < 0 {
			env.Logger.Error("workload command did not exit cleanly", "path", cmd.Path, "err", res.Err)
			return 1
		}
		return code
	}
}
