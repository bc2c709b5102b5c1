package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// Commands matching these are rejected even with user approval. Grouped by
// attack class; sources include OWASP Agentic AI Top 10, CVE-2025-66032,
// MITRE ATT&CK, and Trail of Bits prompt-injection-to-RCE research.
var denyPatternGroups = map[string][]string{
	"destructive": {
		`\brm\s+-[rf]{1,2}\b`,
		`\brm\s+.*--recursive`,
		`\brm\s+.*--force`,
		`\bdel\s+/[fq]\b`,
		`\brmdir\s+/s\b`,
		`\b(mkfs|diskpart)\b|\bformat\s`,
		`\bdd\s+if=`,
		`>\s*/dev/sd[a-z]\b`,
		`\b(shutdown|reboot|poweroff)\b`,
		`:\(\)\s*\{.*\};\s*:`, // fork bomb
	},
	"exfiltration": {
		`\bcurl\b.*\|\s*(ba)?sh\b`,
		`\bcurl\b.*(-d\b|-F\b|--data|--upload|--form|-T\b|-X\s*P(UT|OST|ATCH))`,
		`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`,
		`\bwget\b.*--post-(data|file)`,
		`\b(nslookup|dig|host)\b`, // DNS exfiltration
		`/dev/tcp/`,
	},
	"reverse-shell": {
		`\b(nc|ncat|netcat)\b.*-[el]\b`,
		`\bsocat\b`,
		`\bopenssl\b.*s_client`,
		`\btelnet\b.*\d+`,
		`\bpython[23]?\b.*\bimport\s+(socket|http\.client|urllib|requests)\b`,
		`\bperl\b.*-e\s*.*\b[Ss]ocket\b`,
		`\bruby\b.*-e\s*.*\b(TCPSocket|Socket)\b`,
		`\bnode\b.*-e\s*.*\b(net\.connect|child_process)\b`,
		`\bawk\b.*/inet/`,
		`\bmkfifo\b`,
	},
	"code-injection": {
		`\beval\s*\$`,
		`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`,
	},
	"privilege-escalation": {
		`\bsudo\b`,
		`\bsu\s+-`,
		`\bnsenter\b`,
		`\bunshare\b`,
		`\b(mount|umount)\b`,
		`\b(capsh|setcap|getcap)\b`,
	},
	"path-abuse": {
		`\bchmod\s+[0-7]{3,4}\s+/`,
		`\bchown\b.*\s+/`,
		`\bchmod\b.*\+x.*/tmp/`,
		`\bchmod\b.*\+x.*/var/tmp/`,
		`\bchmod\b.*\+x.*/dev/shm/`,
	},
	"env-injection": {
		`\bLD_PRELOAD\s*=`,
		`\bDYLD_INSERT_LIBRARIES\s*=`,
		`\bLD_LIBRARY_PATH\s*=`,
		`/etc/ld\.so\.preload`,
		`\bGIT_EXTERNAL_DIFF\s*=`,
		`\bGIT_DIFF_OPTS\s*=`,
		`\bBASH_ENV\s*=`,
		`\bENV\s*=.*\bsh\b`,
	},
	"container-escape": {
		`/var/run/docker\.sock|docker\.(sock|socket)`,
		`/proc/sys/(kernel|fs|net)/`,
		`/sys/(kernel|fs|class|devices)/`,
	},
	"crypto-mining": {
		`\b(xmrig|cpuminer|minerd|cgminer|bfgminer|ethminer|nbminer|t-rex|phoenixminer|lolminer|gminer|claymore)\b`,
		`stratum\+tcp://|stratum\+ssl://`,
	},
	"filter-bypass": {
		`\bsed\b.*['"]/e\b`,
		`\bsort\b.*--compress-program`,
		`\bgit\b.*(--upload-pack|--receive-pack|--exec)=`,
		`\b(rg|grep)\b.*--pre=`,
		`\bman\b.*--html=`,
		`\bhistory\b.*-[saw]\b`,
		`\$\{[^}]*@[PpEeAaKk]\}`, // ${var@P} parameter expansion
	},
	"network-recon": {
		`\b(nmap|masscan|zmap|rustscan)\b`,
		`\b(ssh|scp|sftp)\b.*@`,
		`\b(chisel|frp|ngrok|cloudflared|bore|localtunnel)\b`,
	},
	"persistence": {
		`\bcrontab\b`,
		`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`,
		`\btee\b.*\.(bashrc|bash_profile|profile|zshrc)`,
	},
	"process-kill": {
		`\bkill\s+-9\s`,
		`\b(killall|pkill)\b`,
	},
	// Bare env/printenv/set dumps all vars including secrets. The form
	// 'env VAR=val cmd' is still allowed.
	"env-dump": {
		`^\s*env\s*$`,
		`^\s*env\s*\|`,
		`^\s*env\s*>\s`,
		`\bprintenv\b`,
		`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`,
		`\bcompgen\s+-e\b`,
	},
}

var defaultDenyPatterns = compileDenyPatterns()

func compileDenyPatterns() []*regexp.Regexp {
	var compiled []*regexp.Regexp
	for _, group := range denyPatternGroups {
		for _, src := range group {
			compiled = append(compiled, regexp.MustCompile(src))
		}
	}
	return compiled
}

const execTimeout = 60 * time.Second

// ExecTool executes shell commands on the host. The registry's policy gate
// puts exec behind user approval by default; the deny patterns here reject
// commands no approval should ever allow.
type ExecTool struct {
	workingDir   string
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
	restrict     bool
}

// NewExecTool creates an exec tool rooted at workingDir.
func NewExecTool(workingDir string, restrict bool) *ExecTool {
	return &ExecTool{
		workingDir:   workingDir,
		timeout:      execTimeout,
		denyPatterns: defaultDenyPatterns,
		restrict:     restrict,
	}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	cwd, errResult := t.resolveCwd(ctx, args)
	if errResult != nil {
		return errResult
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return SilentResult(output)
}

// resolveCwd picks the working directory: the per-agent workspace from
// context wins over the construction default, and an explicit working_dir
// argument wins over both (confined to the workspace in restrict mode).
func (t *ExecTool) resolveCwd(ctx context.Context, args map[string]interface{}) (string, *Result) {
	cwd := ToolWorkspaceFromCtx(ctx)
	if cwd == "" {
		cwd = t.workingDir
	}
	wd, _ := args["working_dir"].(string)
	if wd == "" {
		return cwd, nil
	}
	if !t.restrict {
		return wd, nil
	}
	resolved, err := resolvePath(wd, cwd, true)
	if err != nil {
		return "", ErrorResult(err.Error())
	}
	return resolved, nil
}
