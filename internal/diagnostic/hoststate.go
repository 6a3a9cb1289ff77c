package diagnostic

import (
	"context"
	"strings"
	"time"

	"github.com/rcourtman/hostaudit/internal/transport"
	"github.com/rs/zerolog/log"
)

// DefaultHostState is recorded when no configuration line was captured.
const DefaultHostState = "DEFAULT_CONFIG=1"

// hostStateCommands select the configuration lines kept as host-state
// evidence. Each must exit 0 even when the file is missing.
var hostStateCommands = []string{
	`cat /etc/ssh/sshd_config 2>/dev/null | grep -E '^(PermitRootLogin|PasswordAuthentication|Port|Protocol)' || echo ''`,
	`cat /etc/login.defs 2>/dev/null | grep -E '^(PASS_MIN_LEN|PASS_MIN_DAYS)' || echo ''`,
}

// CollectHostState captures the host-state lines. It is best-effort: a
// failing command is logged and skipped.
func CollectHostState(ctx context.Context, t transport.Transport, host string, timeout time.Duration) []string {
	var lines []string
	for _, cmd := range hostStateCommands {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := t.Run(cctx, cmd)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("host", host).Msg("Host state collection failed")
			continue
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	}
	if len(lines) == 0 {
		return []string{DefaultHostState}
	}
	return lines
}
