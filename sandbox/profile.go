package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/termspace/termspace-core/logger"
)

// profileFileName is the generated rc file referenced by the spawned shell.
const profileFileName = ".termspace_bashrc"

// profileVersion is bumped whenever the template changes so stale profiles
// are rewritten on the next session.
const profileVersion = 2

// restrictedProfileTemplate is the fixed shell template. Parameters are
// substituted as shell-quoted strings, never concatenated raw; the only
// placeholders are __WORKSPACE_ROOT__, __USERNAME__, and __VERSION__.
//
// The wrappers are a defense-in-depth UX aid: they reject obvious escapes at
// the prompt with a clear message. The server-side confinement check remains
// the actual boundary for anything reachable through the structured API.
const restrictedProfileTemplate = `# termspace generated profile v__VERSION__ -- do not edit
export WORKSPACE_ROOT=__WORKSPACE_ROOT__

__termspace_confined() {
    local target
    target=$(realpath -m -- "${1:-$PWD}" 2>/dev/null) || return 1
    case "$target" in
        "$WORKSPACE_ROOT"|"$WORKSPACE_ROOT"/*) return 0 ;;
        *) return 1 ;;
    esac
}

__termspace_deny() {
    echo "access denied: path is outside your workspace" >&2
    return 1
}

cd() {
    if __termspace_confined "${1:-$WORKSPACE_ROOT}"; then
        builtin cd "${1:-$WORKSPACE_ROOT}"
    else
        __termspace_deny
    fi
}

__termspace_wrap() {
    local real="$1"; shift
    local arg
    for arg in "$@"; do
        case "$arg" in
            -*) continue ;;
        esac
        if ! __termspace_confined "$arg"; then
            __termspace_deny
            return 1
        fi
    done
    command "$real" "$@"
}

ls()   { __termspace_wrap ls "$@"; }
cat()  { __termspace_wrap cat "$@"; }
less() { __termspace_wrap less "$@"; }
more() { __termspace_wrap more "$@"; }
vi()   { __termspace_wrap vi "$@"; }
vim()  { __termspace_wrap vim "$@"; }
nano() { __termspace_wrap nano "$@"; }
grep() { __termspace_wrap grep "$@"; }
find() { __termspace_wrap find "$@"; }

# Directory-stack builtins would bypass the cd wrapper.
pushd() { __termspace_deny; }
popd()  { __termspace_deny; }
dirs()  { __termspace_deny; }
enable -n pushd popd dirs 2>/dev/null

export PS1=__USERNAME__':\w\$ '
`

// WriteRestrictedProfile renders the restricted shell profile for a user and
// writes it into the workspace root. Returns the profile path. An existing
// profile of the current version is reused.
func WriteRestrictedProfile(username, workspaceRoot string) (string, error) {
	path := filepath.Join(workspaceRoot, profileFileName)

	content := restrictedProfileTemplate
	content = strings.ReplaceAll(content, "__VERSION__", fmt.Sprintf("%d", profileVersion))
	content = strings.ReplaceAll(content, "__WORKSPACE_ROOT__", shellQuote(workspaceRoot))
	content = strings.ReplaceAll(content, "__USERNAME__", shellQuote(username))

	if existing, err := os.ReadFile(path); err == nil && string(existing) == content {
		return path, nil
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write shell profile: %w", err)
	}

	logger.WithComponent("sandbox").Debug("wrote restricted profile", "path", path, "version", profileVersion)
	return path, nil
}

// shellQuote single-quotes s for safe inclusion in shell text. Embedded
// single quotes are closed, escaped, and reopened.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RestrictedEnv returns the environment for a spawned sandbox shell.
func RestrictedEnv(username, homeDir, workspaceRoot string) []string {
	return []string{
		"HOME=" + homeDir,
		"USER=" + username,
		"LOGNAME=" + username,
		"SHELL=/bin/bash",
		"TERM=xterm-256color",
		"WORKSPACE_ROOT=" + workspaceRoot,
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
}
