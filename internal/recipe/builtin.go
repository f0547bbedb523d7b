package recipe

// Builtin returns the embedded recipe catalog. Operator recipes loaded
// from the recipes directory shadow these by ID.
//
// The catalog is rebuilt on every call so callers can never mutate the
// shared copy.
func Builtin() []*Recipe {
	return []*Recipe{
		pipRecipe(),
		pipxRecipe(),
		ruffRecipe(),
		rustupRecipe(),
		cargoAuditRecipe(),
		jqRecipe(),
		shellcheckRecipe(),
		terraformRecipe(),
		kubectlRecipe(),
	}
}

func pipRecipe() *Recipe {
	return &Recipe{
		ID:       "pip",
		Label:    "pip",
		Category: "language-tooling",
		Methods: []Method{
			{
				Family: "apt",
				Commands: map[string][]string{
					"apt": {"apt-get", "install", "-y", "python3-pip"},
				},
				NeedsSudo: map[string]bool{"apt": true},
			},
			{
				Family: "dnf",
				Commands: map[string][]string{
					"dnf": {"dnf", "install", "-y", "python3-pip"},
					"yum": {"yum", "install", "-y", "python3-pip"},
				},
				NeedsSudo: map[string]bool{"dnf": true, "yum": true},
			},
			{
				Family: "apk",
				Commands: map[string][]string{
					"apk": {"apk", "add", "py3-pip"},
				},
				NeedsSudo: map[string]bool{"apk": true},
			},
			{
				Family: "pacman",
				Commands: map[string][]string{
					"pacman": {"pacman", "-S", "--noconfirm", "python-pip"},
				},
				NeedsSudo: map[string]bool{"pacman": true},
			},
			{
				Family: "brew",
				Commands: map[string][]string{
					"brew": {"brew", "install", "python"},
				},
			},
		},
		Verify: []string{"pip", "--version"},
	}
}

func pipxRecipe() *Recipe {
	return &Recipe{
		ID:       "pipx",
		Label:    "pipx",
		Category: "language-tooling",
		Methods: []Method{
			{
				Family: "apt",
				Commands: map[string][]string{
					"apt": {"apt-get", "install", "-y", "pipx"},
				},
				NeedsSudo: map[string]bool{"apt": true},
			},
			{
				Family: "pip",
				Commands: map[string][]string{
					KeyDefault: {"pip", "install", "--user", "pipx"},
				},
			},
		},
		Deps:   []string{"pip"},
		Verify: []string{"pipx", "--version"},
	}
}

func ruffRecipe() *Recipe {
	return &Recipe{
		ID:       "ruff",
		Label:    "Ruff",
		Category: "linter",
		Methods: []Method{
			{
				Family: "pip",
				Commands: map[string][]string{
					KeyDefault: {"pip", "install", "ruff"},
				},
			},
			{
				Family:  "pip-break-system-packages",
				AltOnly: true,
				Commands: map[string][]string{
					KeyDefault: {"pip", "install", "--break-system-packages", "ruff"},
				},
			},
			{
				Family:  "apt",
				AltOnly: true,
				Commands: map[string][]string{
					"apt": {"apt-get", "install", "-y", "python3-ruff"},
				},
				NeedsSudo: map[string]bool{"apt": true},
			},
		},
		Deps:   []string{"pip"},
		Verify: []string{"ruff", "--version"},
		OnFailure: []FailureHandler{
			{
				FailureID:    "pep668",
				Category:     "environment",
				Label:        "Externally managed Python environment",
				Description:  "This distro marks its system Python as externally managed (PEP 668); pip refuses to install into it.",
				Pattern:      `externally-managed-environment`,
				MethodFamily: "pip",
				ChainForward: true,
				Options: []RemediationOption{
					{
						ID:          "use_pipx",
						Label:       "Install with pipx",
						Description: "Install ruff into an isolated pipx environment.",
						Icon:        "package",
						Strategy:    StrategyInstallPrereq,
						Target:      "pipx",
						Risk:        RiskLow,
						Recommended: true,
					},
					{
						ID:          "use_venv",
						Label:       "Install into a virtualenv",
						Description: "Create a virtualenv and install ruff there yourself.",
						Icon:        "terminal",
						Strategy:    StrategyManual,
						Risk:        RiskLow,
					},
					{
						ID:          "break_system_packages",
						Label:       "Override PEP 668",
						Description: "Pass --break-system-packages to pip. May conflict with distro-managed packages.",
						Icon:        "alert",
						Strategy:    StrategyAltMethod,
						Target:      "pip-break-system-packages",
						Risk:        RiskMedium,
					},
					{
						ID:          "install_from_apt",
						Label:       "Install the distro package",
						Description: "Use the native python3-ruff package where the distro ships one.",
						Icon:        "box",
						Strategy:    StrategyAltMethod,
						Target:      "apt",
						Risk:        RiskLow,
						RequiresSudo: true,
						LockConditions: &LockConditions{
							FamilyLockReasons: map[string]string{
								"debian": "python3-ruff not available in Debian repos",
							},
						},
					},
				},
			},
		},
		ExampleStderr: map[string]string{
			"pep668": "error: externally-managed-environment\n\n× This environment is externally managed",
		},
	}
}

func rustupRecipe() *Recipe {
	return &Recipe{
		ID:       "rustup",
		Label:    "Rust toolchain (rustup)",
		Category: "language-tooling",
		Methods: []Method{
			{
				Family: "bash-curl-script",
				Commands: map[string][]string{
					KeyDefault: {"sh", "-c",
						"curl --proto '=https' --tlsv1.2 -sSf https://sh.rustup.rs | sh -s -- -y --no-modify-path"},
				},
				PostEnv: []EnvVar{
					{Name: "PATH", Value: "$HOME/.cargo/bin:$PATH"},
				},
				TimeoutSeconds: 600,
			},
		},
		Verify: []string{"cargo", "--version"},
		OnFailure: []FailureHandler{
			{
				FailureID:   "rustup_download_failed",
				Category:    "network",
				Label:       "rustup download failed",
				Description: "The rustup bootstrap script could not be fetched.",
				Pattern:     `curl: \(\d+\)|Failed to connect|Could not resolve host`,
				Options: []RemediationOption{
					{
						ID:       "retry_download",
						Label:    "Retry the download",
						Strategy: StrategyRetry,
						Risk:     RiskLow,
					},
					{
						ID:          "manual_install",
						Label:       "Install Rust manually",
						Description: "Download rustup-init from rustup.rs and run it yourself.",
						Strategy:    StrategyManual,
						Risk:        RiskLow,
					},
				},
			},
		},
		ExampleStderr: map[string]string{
			"rustup_download_failed": "curl: (6) Could not resolve host: sh.rustup.rs",
		},
	}
}

func cargoAuditRecipe() *Recipe {
	return &Recipe{
		ID:       "cargo-audit",
		Label:    "cargo-audit",
		Category: "security",
		Methods: []Method{
			{
				Family: "cargo",
				Commands: map[string][]string{
					KeyDefault: {"cargo", "install", "cargo-audit"},
				},
				TimeoutSeconds: 900,
			},
			{
				Family:  "cargo-pinned",
				AltOnly: true,
				Commands: map[string][]string{
					KeyDefault: {"cargo", "install", "cargo-audit", "--locked", "--version", "^0.17"},
				},
				TimeoutSeconds: 900,
			},
		},
		Deps: []string{"rustup"},
		SystemPackagesByFamily: map[string][]string{
			"debian": {"pkg-config", "libssl-dev", "libcurl4-openssl-dev"},
			"rhel":           {"pkgconf-pkg-config", "openssl-devel", "libcurl-devel"},
			"alpine":         {"pkgconf", "openssl-dev", "curl-dev"},
			"arch":           {"pkgconf", "openssl", "curl"},
			"suse":           {"pkg-config", "libopenssl-devel", "libcurl-devel"},
		},
		Verify: []string{"cargo-audit", "--version"},
		OnFailure: []FailureHandler{
			{
				FailureID:    "rustc_too_old",
				Category:     "toolchain",
				Label:        "rustc too old",
				Description:  "The crate requires a newer Rust compiler than the active toolchain provides.",
				Pattern:      `requires rustc \d+\.\d+(\.\d+)? or newer`,
				MethodFamily: "cargo",
				ChainForward: true,
				Options: []RemediationOption{
					{
						ID:          "update_rust_via_rustup",
						Label:       "Update Rust via rustup",
						Description: "Update the stable toolchain, then retry the install.",
						Icon:        "refresh",
						Strategy:    StrategyInstallPrereq,
						Target:      "rustup",
						Risk:        RiskLow,
						Recommended: true,
					},
					{
						ID:          "install_older_cargo_audit_version",
						Label:       "Pin an older cargo-audit",
						Description: "Install the last release that supports the current compiler.",
						Icon:        "history",
						Strategy:    StrategyAltMethod,
						Target:      "cargo-pinned",
						Risk:        RiskMedium,
					},
					{
						ID:       "use_distro_package",
						Label:    "Install the distro package",
						Strategy: StrategyAltMethod,
						Target:   "apt",
						Risk:     RiskLow,
						LockConditions: &LockConditions{
							FamilyLockReasons: map[string]string{
								"debian": "no matching apt package",
							},
						},
					},
				},
			},
			{
				FailureID:   "missing_openssl_headers",
				Category:    "system-packages",
				Label:       "OpenSSL headers missing",
				Description: "Building native crates needs the OpenSSL development headers.",
				Pattern:     `Could not find directory of OpenSSL installation|openssl-sys`,
				Options: []RemediationOption{
					{
						ID:           "install_build_deps",
						Label:        "Install build dependencies",
						Strategy:     StrategyRetry,
						Risk:         RiskLow,
						RequiresSudo: true,
						Recommended:  true,
						RequiredSystemPackagesByFamily: map[string][]string{
							"debian": {"pkg-config", "libssl-dev"},
							"rhel":           {"pkgconf-pkg-config", "openssl-devel"},
						},
					},
				},
			},
		},
		ExampleStderr: map[string]string{
			"rustc_too_old":          "error: cargo-audit v0.21.0 requires rustc 1.85 or newer, while the currently active rustc version is 1.75.0",
			"missing_openssl_headers": "error: failed to run custom build command for `openssl-sys v0.9.99`\n  Could not find directory of OpenSSL installation",
		},
	}
}

func jqRecipe() *Recipe {
	return &Recipe{
		ID:       "jq",
		Label:    "jq",
		Category: "cli-utilities",
		Methods: []Method{
			{
				Family: "apt",
				Commands: map[string][]string{
					"apt":    {"apt-get", "install", "-y", "jq"},
					"dnf":    {"dnf", "install", "-y", "jq"},
					"yum":    {"yum", "install", "-y", "jq"},
					"apk":    {"apk", "add", "jq"},
					"pacman": {"pacman", "-S", "--noconfirm", "jq"},
					"zypper": {"zypper", "install", "-y", "jq"},
					"brew":   {"brew", "install", "jq"},
				},
				NeedsSudo: map[string]bool{
					"apt": true, "dnf": true, "yum": true,
					"apk": true, "pacman": true, "zypper": true,
				},
			},
			{
				Family:            "binary",
				BinaryURLTemplate: "https://github.com/jqlang/jq/releases/download/jq-{version}/jq-{os}-{arch}",
				BinaryArches:      []string{"amd64", "arm64"},
				GitHubRepo:        "jqlang/jq",
			},
		},
		Verify: []string{"jq", "--version"},
	}
}

func shellcheckRecipe() *Recipe {
	return &Recipe{
		ID:       "shellcheck",
		Label:    "ShellCheck",
		Category: "linter",
		Methods: []Method{
			{
				Family: "apt",
				Commands: map[string][]string{
					"apt":  {"apt-get", "install", "-y", "shellcheck"},
					"dnf":  {"dnf", "install", "-y", "ShellCheck"},
					"apk":  {"apk", "add", "shellcheck"},
					"brew": {"brew", "install", "shellcheck"},
				},
				NeedsSudo: map[string]bool{"apt": true, "dnf": true, "apk": true},
			},
			{
				Family:            "binary",
				BinaryURLTemplate: "https://github.com/koalaman/shellcheck/releases/download/v{version}/shellcheck-v{version}.{os}.{machine}.tar.xz",
				BinaryArches:      []string{"amd64", "arm64"},
				GitHubRepo:        "koalaman/shellcheck",
			},
		},
		Verify: []string{"shellcheck", "--version"},
	}
}

func terraformRecipe() *Recipe {
	return &Recipe{
		ID:       "terraform",
		Label:    "Terraform",
		Category: "infrastructure",
		Methods: []Method{
			{
				Family:            "binary",
				BinaryURLTemplate: "https://releases.hashicorp.com/terraform/{version}/terraform_{version}_{os}_{arch}.zip",
				BinaryArches:      []string{"amd64", "arm64"},
				GitHubRepo:        "hashicorp/terraform",
			},
			{
				Family: "brew",
				Commands: map[string][]string{
					"brew": {"brew", "install", "terraform"},
				},
			},
		},
		Verify: []string{"terraform", "version"},
	}
}

func kubectlRecipe() *Recipe {
	return &Recipe{
		ID:       "kubectl",
		Label:    "kubectl",
		Category: "kubernetes",
		Methods: []Method{
			{
				Family:            "binary",
				BinaryURLTemplate: "https://dl.k8s.io/release/v{version}/bin/{os}/{arch}/kubectl",
				BinaryArches:      []string{"amd64", "arm64"},
				GitHubRepo:        "kubernetes/kubernetes",
			},
			{
				Family: "brew",
				Commands: map[string][]string{
					"brew": {"brew", "install", "kubernetes-cli"},
				},
			},
		},
		Verify: []string{"kubectl", "version", "--client"},
	}
}
