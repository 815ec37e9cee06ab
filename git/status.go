package git

import (
	"context"
	"strconv"
	"strings"
)

// StatusResult summarizes the repository's working tree.
type StatusResult struct {
	Branch    string   `json:"branch"`
	Clean     bool     `json:"clean"`
	Staged    []string `json:"staged"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
}

// Status reports the state of the user's repository from porcelain output.
func (s *Service) Status(ctx context.Context, userID string) (*StatusResult, error) {
	dir, err := s.repoDir(userID)
	if err != nil {
		return nil, err
	}

	output, err := s.run(ctx, dir, "", "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, classify(output, err)
	}

	result := parsePorcelain(string(output))
	return result, nil
}

// parsePorcelain parses `git status --porcelain=v1 --branch` output. The
// first line is the branch header; the rest are two-letter status entries.
func parsePorcelain(output string) *StatusResult {
	result := &StatusResult{
		Staged:    []string{},
		Modified:  []string{},
		Untracked: []string{},
	}

	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseBranchHeader(line[3:], result)
			continue
		}
		if len(line) < 4 {
			continue
		}
		index, worktree := line[0], line[1]
		path := strings.TrimSpace(line[3:])
		// Renames list "old -> new"; report the new path.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}

		switch {
		case index == '?' && worktree == '?':
			result.Untracked = append(result.Untracked, path)
		default:
			if index != ' ' {
				result.Staged = append(result.Staged, path)
			}
			if worktree != ' ' {
				result.Modified = append(result.Modified, path)
			}
		}
	}

	result.Clean = len(result.Staged) == 0 && len(result.Modified) == 0 && len(result.Untracked) == 0
	return result
}

// parseBranchHeader parses headers like
// "main...origin/main [ahead 2, behind 1]" or "No commits yet on main".
func parseBranchHeader(header string, result *StatusResult) {
	if rest, ok := strings.CutPrefix(header, "No commits yet on "); ok {
		result.Branch = rest
		return
	}

	name := header
	if i := strings.Index(name, "..."); i >= 0 {
		name = name[:i]
	} else if i := strings.IndexByte(name, ' '); i >= 0 {
		name = name[:i]
	}
	result.Branch = name

	if start := strings.IndexByte(header, '['); start >= 0 {
		end := strings.IndexByte(header[start:], ']')
		if end < 0 {
			return
		}
		for _, part := range strings.Split(header[start+1:start+end], ",") {
			fields := strings.Fields(strings.TrimSpace(part))
			if len(fields) != 2 {
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			switch fields[0] {
			case "ahead":
				result.Ahead = n
			case "behind":
				result.Behind = n
			}
		}
	}
}
