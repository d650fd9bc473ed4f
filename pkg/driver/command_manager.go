package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// CommandManager drives a batch system through its command line tools.
// Argument templates may contain {name}, {run_id}, {num_cpu}, {run_path},
// {command} and {id}; a lone {args} entry expands to the job arguments.
type CommandManager struct {
	SubmitCmd []string
	QueryCmd  []string
	CancelCmd []string
	// IDPattern extracts the backend job ID from submit output. The first
	// non-empty capture group wins.
	IDPattern *regexp.Regexp
}

var defaultIDPattern = regexp.MustCompile(`Job <(\d+)>|Submitted batch job (\d+)|^\s*(\d+)\s*$`)

// NewLSFManager returns a CommandManager using bsub, bjobs and bkill.
func NewLSFManager() *CommandManager {
	return &CommandManager{
		SubmitCmd: []string{"bsub", "-J", "{name}", "-n", "{num_cpu}", "-cwd", "{run_path}",
			"-o", "{run_path}/{name}.LSF-stdout", "-e", "{run_path}/{name}.LSF-stderr", "{command}", "{args}"},
		QueryCmd:  []string{"bjobs", "-noheader", "-o", "stat", "{id}"},
		CancelCmd: []string{"bkill", "{id}"},
		IDPattern: defaultIDPattern,
	}
}

// NewSlurmManager returns a CommandManager using sbatch, squeue and scancel.
func NewSlurmManager() *CommandManager {
	return &CommandManager{
		SubmitCmd: []string{"sbatch", "--job-name={name}", "--ntasks={num_cpu}", "--chdir={run_path}",
			"--output={run_path}/{name}.SLURM-stdout", "--wrap", "{command} {args}"},
		QueryCmd:  []string{"squeue", "--noheader", "--format=%T", "--jobs={id}"},
		CancelCmd: []string{"scancel", "{id}"},
		IDPattern: defaultIDPattern,
	}
}

// SetOption accepts "submit_cmd", "query_cmd", "cancel_cmd" (string slices
// or whitespace separated strings) and "id_pattern".
func (m *CommandManager) SetOption(key string, value any) error {
	switch strings.ToLower(key) {
	case "submit_cmd":
		m.SubmitCmd = toArgv(value)
	case "query_cmd":
		m.QueryCmd = toArgv(value)
	case "cancel_cmd":
		m.CancelCmd = toArgv(value)
	case "id_pattern":
		re, err := regexp.Compile(cast.ToString(value))
		if err != nil {
			return err
		}
		m.IDPattern = re
	default:
		return ErrUnknownOption
	}
	return nil
}

func toArgv(value any) []string {
	if s, ok := value.(string); ok {
		return strings.Fields(s)
	}
	return cast.ToStringSlice(value)
}

func (m *CommandManager) Submit(ctx context.Context, req Request) (string, error) {
	out, err := m.run(ctx, m.SubmitCmd, req, "")
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	id, ok := m.parseID(out)
	if !ok {
		return "", fmt.Errorf("submit: no job id in output %q", strings.TrimSpace(out))
	}
	return id, nil
}

func (m *CommandManager) Query(ctx context.Context, id string) (Status, error) {
	out, err := m.run(ctx, m.QueryCmd, Request{}, id)
	if err != nil {
		if unknownJobOutput(err.Error()) {
			return StatusVanished, ErrUnknownJob
		}
		return StatusPending, fmt.Errorf("query %s: %w", id, err)
	}
	return parseBatchState(out)
}

func (m *CommandManager) Cancel(ctx context.Context, id string) error {
	if _, err := m.run(ctx, m.CancelCmd, Request{}, id); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

func (m *CommandManager) parseID(out string) (string, bool) {
	re := m.IDPattern
	if re == nil {
		re = defaultIDPattern
	}
	for _, line := range strings.Split(out, "\n") {
		match := re.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		for _, g := range match[1:] {
			if g != "" {
				return g, true
			}
		}
		if len(match) == 1 {
			return match[0], true
		}
	}
	return "", false
}

func (m *CommandManager) run(ctx context.Context, tmpl []string, req Request, id string) (string, error) {
	argv := expandArgv(tmpl, req, id)
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command template")
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func expandArgv(tmpl []string, req Request, id string) []string {
	r := strings.NewReplacer(
		"{name}", req.Name,
		"{run_id}", req.RunID,
		"{num_cpu}", strconv.Itoa(max(req.NumCPU, 1)),
		"{run_path}", req.RunPath,
		"{command}", req.Command,
		"{args}", strings.Join(req.Args, " "),
		"{id}", id,
	)
	argv := make([]string, 0, len(tmpl)+len(req.Args))
	for _, a := range tmpl {
		if a == "{args}" {
			argv = append(argv, req.Args...)
			continue
		}
		argv = append(argv, r.Replace(a))
	}
	return argv
}

func unknownJobOutput(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "not found") || strings.Contains(s, "invalid job id") ||
		strings.Contains(s, "illegal job id")
}

// parseBatchState maps LSF and Slurm state words to a Status.
func parseBatchState(out string) (Status, error) {
	word := strings.ToUpper(strings.TrimSpace(out))
	if i := strings.IndexAny(word, " \t\n"); i >= 0 {
		word = word[:i]
	}
	switch word {
	case "":
		return StatusVanished, ErrUnknownJob
	case "PEND", "PSUSP", "WAIT", "PENDING", "CONFIGURING", "REQUEUED":
		return StatusPending, nil
	case "RUN", "USUSP", "SSUSP", "PROV", "RUNNING", "COMPLETING", "SUSPENDED":
		return StatusRunning, nil
	case "DONE", "COMPLETED":
		return StatusDone, nil
	case "EXIT", "ZOMBI", "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED":
		return StatusFailed, nil
	case "UNKWN":
		return StatusPending, fmt.Errorf("backend reports state %s", word)
	}
	return StatusPending, fmt.Errorf("unrecognised state %q", word)
}
