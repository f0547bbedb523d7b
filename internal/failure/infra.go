// Package failure classifies failed install steps and plans the
// remediation options offered to the user. Matching is layered:
// method-family handlers first, then recipe-generic handlers, then the
// infrastructure table below, then unhandled.
package failure

import "github.com/deckhand-dev/deckhand/internal/recipe"

func intPtr(n int) *int { return &n }

// infraHandlers classifies environment failures no recipe should have
// to declare itself. Order matters: more specific patterns first.
func infraHandlers() []recipe.FailureHandler {
	return []recipe.FailureHandler{
		{
			FailureID:      "disk_full",
			Category:       "infrastructure",
			Label:          "Disk full",
			Description:    "The filesystem ran out of space mid-install.",
			Pattern:        `No space left on device|Disk quota exceeded`,
			PrecludesRetry: true,
			Options: []recipe.RemediationOption{
				{
					ID:          "free_disk_space",
					Label:       "Free up disk space",
					Description: "Remove unused files or packages, then retry the install.",
					Icon:        "hard-drive",
					Strategy:    recipe.StrategyManual,
					Risk:        recipe.RiskLow,
					Recommended: true,
				},
			},
		},
		{
			FailureID:      "oom_killed",
			Category:       "infrastructure",
			Label:          "Process killed (out of memory)",
			Description:    "The kernel killed the install process; the host ran out of memory.",
			ExitCode:       intPtr(137),
			Pattern:        ``,
			PrecludesRetry: true,
			Options: []recipe.RemediationOption{
				{
					ID:          "free_memory",
					Label:       "Free up memory",
					Description: "Close memory-heavy processes or add swap, then retry.",
					Icon:        "cpu",
					Strategy:    recipe.StrategyManual,
					Risk:        recipe.RiskLow,
					Recommended: true,
				},
			},
		},
		{
			FailureID:   "network_unreachable",
			Category:    "network",
			Label:       "Network unreachable",
			Description: "The installer could not reach its download source.",
			Pattern:     `Could not resolve host|Temporary failure in name resolution|Network is unreachable|[Cc]onnection timed out|Failed to fetch|TLS handshake timeout`,
			Options: []recipe.RemediationOption{
				{
					ID:          "retry_after_network",
					Label:       "Retry",
					Description: "Transient network errors usually clear on retry.",
					Icon:        "refresh",
					Strategy:    recipe.StrategyRetry,
					Risk:        recipe.RiskLow,
					Recommended: true,
				},
				{
					ID:          "check_proxy",
					Label:       "Check network and proxy settings",
					Strategy:    recipe.StrategyManual,
					Risk:        recipe.RiskLow,
				},
			},
		},
		{
			FailureID:   "package_lock_held",
			Category:    "infrastructure",
			Label:       "Package manager is busy",
			Description: "Another process holds the package manager lock.",
			Pattern:     `Could not get lock /var/lib/dpkg|Could not get lock /var/lib/apt|is another process using it\?|Waiting for cache lock`,
			Options: []recipe.RemediationOption{
				{
					ID:          "retry_after_lock",
					Label:       "Retry once the other install finishes",
					Icon:        "refresh",
					Strategy:    recipe.StrategyRetry,
					Risk:        recipe.RiskLow,
					Recommended: true,
				},
			},
		},
		{
			FailureID:   "sudo_missing",
			Category:    "permissions",
			Label:       "sudo is not installed",
			Pattern:     `sudo: command not found|sudo: not found|exec: "sudo": executable file not found`,
			Options: []recipe.RemediationOption{
				{
					ID:          "install_sudo_as_root",
					Label:       "Install sudo as root",
					Description: "Switch to root and install the sudo package, then retry.",
					Strategy:    recipe.StrategyManual,
					Risk:        recipe.RiskLow,
					Recommended: true,
				},
			},
		},
		{
			FailureID:   "sudo_auth_failed",
			Category:    "permissions",
			Label:       "sudo authentication failed",
			Description: "The password was rejected.",
			Pattern:     `Sorry, try again|incorrect password attempt|sudo: a password is required`,
			Options: []recipe.RemediationOption{
				{
					ID:          "reenter_password",
					Label:       "Re-enter the password and retry",
					Icon:        "key",
					Strategy:    recipe.StrategyRetry,
					Risk:        recipe.RiskLow,
					Recommended: true,
				},
			},
		},
		{
			FailureID:   "permission_denied",
			Category:    "permissions",
			Label:       "Permission denied",
			Description: "The install step wrote somewhere the current user cannot.",
			Pattern:     `[Pp]ermission denied|EACCES`,
			Options: []recipe.RemediationOption{
				{
					ID:          "fix_permissions",
					Label:       "Fix ownership of the target directory",
					Strategy:    recipe.StrategyManual,
					Risk:        recipe.RiskLow,
					Recommended: true,
				},
			},
		},
	}
}
