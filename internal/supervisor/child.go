package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/store"
)

// progressRe matches the checkpoint lines the index subcommand prints,
// e.g. "PROGRESS 0.40 batch 2/5".
var progressRe = regexp.MustCompile(`^PROGRESS\s+([0-9.]+)\s*(.*)$`)

// stderrTailLimit caps how much child stderr is kept for the failure
// message.
const stderrTailLimit = 500

// childRebuild runs a full rebuild in a child process, relaying its
// progress into the status file. The child gets the rebuild timeout;
// its exit code decides success.
func (s *Supervisor) childRebuild(ctx context.Context) error {
	bin, err := executablePath()
	if err != nil {
		return errors.InternalError("locate own executable", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Rebuild.Timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, childArgs(s.cfg.Source)...)
	cmd.Env = append(cmd.Environ(), "MEMBANK_DATA_DIR="+s.cfg.DataDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.InternalError("open child stdout", err)
	}
	stderr := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return errors.InternalError("start index child process", err)
	}
	s.logger.Info("full rebuild child started", "pid", cmd.Process.Pid)

	// Progress must never go backwards even if checkpoint lines arrive
	// out of order across pipe flushes.
	best := 0.0
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		m := progressRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		fraction, err := strconv.ParseFloat(m[1], 64)
		if err != nil || fraction < best {
			continue
		}
		best = fraction
		_ = s.status.Write(store.StatusRunning, fraction, m[2])
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			msg := fmt.Sprintf("full rebuild timed out after %s", s.cfg.Rebuild.Timeout())
			_ = s.status.Write(store.StatusFailed, best, msg)
			return errors.IndexError(msg, err)
		}
		msg := "full rebuild child failed"
		if tail := stderr.String(); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		_ = s.status.Write(store.StatusFailed, best, msg)
		return errors.IndexError(msg, err)
	}

	s.logger.Info("full rebuild child completed", "pid", cmd.Process.Pid)
	return nil
}

// childArgs builds the child command line. A config file loaded by the
// parent is passed along so the child runs with the same settings.
func childArgs(configFile string) []string {
	args := []string{"index"}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	return args
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	limit int
	data  []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.data = append(t.data, p...)
	if len(t.data) > t.limit {
		t.data = t.data[len(t.data)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.data))
}
